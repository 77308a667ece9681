package version

var (
	Version = "0.1.0"

	// GitSHA is the commit SHA value set during build
	GitSHA = "Not provided (use -ldflags \"-X github.com/vmware/remote-patcher/version.GitSHA=$(git rev-parse HEAD)\")"
)
