package main

import "github.com/ValentinKolb/dLink/cmd"

func main() {
	cmd.Execute()
}
