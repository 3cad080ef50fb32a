package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".fbsdnat"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// ShowDebugRegs prints the hardware debug register mirror every time a
	// breakpoint or watchpoint is inserted, removed or matched against a
	// trap address.
	ShowDebugRegs bool `yaml:"show-debug-regs"`

	// CatchSyscalls lists the system call numbers whose entry and return
	// are reported as stops. An empty list disables syscall tracing.
	CatchSyscalls []int `yaml:"catch-syscalls"`

	// LegacySetStep makes single-stepping use PT_SETSTEP on the stepping
	// LWP followed by a process wide PT_CONTINUE. Needed on kernels where
	// PT_STEP on the process id does not step a specific LWP.
	LegacySetStep bool `yaml:"legacy-setstep"`

	// DisableASLR disables address space layout randomization for
	// processes started by the exec command.
	DisableASLR bool `yaml:"disable-aslr"`

	// DetachOnFork makes the debugger detach from forked children instead
	// of keeping them traced.
	DetachOnFork *bool `yaml:"detach-on-fork,omitempty"`

	// FollowForkChild makes the debugger switch to the child after a fork.
	FollowForkChild bool `yaml:"follow-fork-child"`

	// Async makes the debugger wait for SIGCHLD and poll for events
	// instead of blocking in wait4.
	Async bool `yaml:"async"`
}

// GetDetachOnFork returns the value of DetachOnFork, defaulting to true.
func (c *Config) GetDetachOnFork() bool {
	if c.DetachOnFork == nil {
		return true
	}
	return *c.DetachOnFork
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

const defaultConfig = `# Configuration file for the fbsdnat debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Print the hardware debug register mirror on every insert, remove and
# watchpoint trap match.
# show-debug-regs: true

# System call numbers reported on entry and return.
# catch-syscalls: [4, 5]

# Step with PT_SETSTEP on the stepping thread followed by a process wide
# continue. Only needed on old kernels.
# legacy-setstep: true

# Disable address space layout randomization for processes started with exec.
# disable-aslr: true

# Keep forked children traced instead of detaching from them.
# detach-on-fork: false

# Switch to the child process after a fork.
# follow-fork-child: true

# Wait for events with SIGCHLD notifications instead of a blocking wait4.
# async: true
`

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w, defaultConfig)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
