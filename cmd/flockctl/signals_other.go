//go:build !unix

package main

import "os"

// no user signals on this platform; scans cannot be paused from outside
var pauseSignal, resumeSignal os.Signal
