// Command widgetctl is a terminal front end for the widget API. It keeps
// its session and history in a local badger store, so consecutive runs
// continue the same conversation.
package main

func main() {
	Execute()
}
