package fleetwatch

// Version is the pipeline release, stamped into the startup log.
const Version = "0.9.0"
