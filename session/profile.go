package session

// Profile describes one kind of interactive service berth can supervise.
// The supervisor itself is profile-agnostic: profiles only vary the command,
// the preconditions, and whether a token is brokered.
type Profile struct {
	Name    string
	Command string
	Args    []string

	// LocalPort is where the service listens on the compute node.
	LocalPort int

	// RequiresToken brokers an auth token and appends it to the published URL.
	RequiresToken bool

	// DependencyFiles must exist before anything is acquired.
	DependencyFiles []string
	// CredentialFiles are the TLS artifacts the service needs. Checked up
	// front so a missing certificate fails before a port is consumed.
	CredentialFiles []string

	// ConfigPath is where the generated service config artifact is written.
	ConfigPath string
	// LogPath receives the service process output.
	LogPath string

	TLSVersion string
	CertFile   string
	KeyFile    string
}
