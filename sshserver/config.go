package sshserver

// Config defines SSH server settings.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	// Source is browsed when the client names none on the command line.
	Source string
}
