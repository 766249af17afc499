// Command tally runs the validator weight-setting service.
package main

func main() {
	Execute()
}
