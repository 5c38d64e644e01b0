// Package detector runs the print failure detection loop.
//
// A Controller reacts to print lifecycle events. While a print is monitored, one Scheduler
// session runs Detection Cycles on the configured interval. A Cycle captures a snapshot,
// runs the model and pauses the print when the failure probability exceeds the threshold.
// Every cycle outcome is reported as a Result through the emit callback.
package detector
