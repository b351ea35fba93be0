// Package main is the entry point for entigate.
package main

func main() {
	Execute()
}
