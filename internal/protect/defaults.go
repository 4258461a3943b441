// Package protect provides sensitive-path detection used to escalate the
// risk of file operations.
package protect

// DefaultPrefixes are path prefixes under which any write is sensitive.
// A path falls under a prefix when it equals it or continues with a separator.
var DefaultPrefixes = []string{
	"/etc",
	"/usr",
	"/bin",
	"/sbin",
	"/boot",
	"/var",
	".git",
	".ssh",
	".steward",
}

// DefaultPatterns defines glob patterns for sensitive files.
var DefaultPatterns = []string{
	"**/.env",
	"**/.env.*",
	"**/secrets/**",
	"**/credentials/**",
	"**/.ssh/**",
	"**/migrations/**",
}

// DefaultFileTypes defines file extensions that are always sensitive.
var DefaultFileTypes = []string{
	".pem",
	".key",
	".p12",
	".pfx",
	".jks",
	".keystore",
	".crt",
}
