package info

var serviceName = "pgharness"

// Overridden at build time with -ldflags "-X .../serviceinfo.version=..."
var version = "v0.1.0"

func ServiceVersion() string {
	return version
}

func ServiceName() string {
	return serviceName
}
