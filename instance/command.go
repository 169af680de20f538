package instance

import "strconv"

// ServerCommand builds a server invocation from named fields instead of
// splicing strings, so data directories with spaces or shell metacharacters
// cannot corrupt the argument vector.
type ServerCommand struct {
	Binary        string
	DataDir       string
	Port          int
	BootstrapOnly bool
	TestMode      bool
	// Insecure selects insecure_dev_mode security. Suitable only for
	// ephemeral local instances.
	Insecure bool
}

// Args returns the argument vector (excluding the binary itself).
func (c ServerCommand) Args() []string {
	args := []string{"-D", c.DataDir}
	if c.BootstrapOnly {
		args = append(args, "--bootstrap-only")
	}
	if c.TestMode {
		args = append(args, "--testmode")
	}
	if c.Insecure {
		args = append(args, "--security", "insecure_dev_mode")
	}
	if c.Port != 0 {
		args = append(args, "--port", strconv.Itoa(c.Port))
	}
	return args
}
