// Command personachat is a terminal client for persona conversations.
package main

func main() {
	Execute()
}
