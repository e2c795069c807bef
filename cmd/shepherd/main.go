// Command shepherd is the operator-facing CLI: it starts the daemon,
// lists and inspects runs, and sends control requests to a running
// daemon via each run's control.json.
package main

func main() {
	Execute()
}
