package version

// Version is the current version of the emotion server
const Version = "0.3.1"

// UserAgent returns the User-Agent string for outbound HTTP requests
func UserAgent() string {
	return "emotion-server/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "emotion-server/" + Version
}
