// Command rtcdetect runs the signaling hub, inference workers and the
// sending or receiving side of a detection session.
package main

func main() {
	Execute()
}
