package ticketer

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	// DefaultSummaryTemplate and DefaultDescriptionTemplate back the
	// DEFAULT_SUMMARY and DEFAULT_DESCRIPTION template variables when the
	// service configuration does not override them.
	DefaultSummaryTemplate     = "${TEST_FULL_NAME} : ${TEST_ERROR_DETAILS}"
	DefaultDescriptionTemplate = "${BUILD_URL}${CRLF}${TEST_STACK_TRACE}"
)

// JiraSettings hold the connection parameters for the issue tracker.
type JiraSettings struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	// Password doubles as the personal access token when UseBearerAuth is
	// set, matching how the tracker's two auth schemes share a credential
	// slot.
	Password      string `yaml:"password"`
	UseBearerAuth bool   `yaml:"use_bearer_auth"`
}

func (j *JiraSettings) Validate() error {
	catcher := []string{}
	if j.BaseURL == "" {
		catcher = append(catcher, "base URL must be set")
	}
	if j.Password == "" {
		catcher = append(catcher, "password or token must be set")
	}
	if !j.UseBearerAuth && j.Username == "" {
		catcher = append(catcher, "username must be set for basic auth")
	}
	if len(catcher) > 0 {
		return errors.New(strings.Join(catcher, "; "))
	}
	return nil
}

// Settings are the process-wide service configuration, loaded once at
// startup and injected into the services that need them.
type Settings struct {
	Jira JiraSettings `yaml:"jira"`

	// JobsRoot is the persistence root under which each job keeps its
	// mapping and configuration files, one directory per job.
	JobsRoot string `yaml:"jobs_root"`

	DefaultSummary     string `yaml:"default_summary"`
	DefaultDescription string `yaml:"default_description"`
}

// NewSettings reads and validates a Settings document from a YAML file.
func NewSettings(path string) (*Settings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening settings file '%s'", path)
	}
	defer file.Close()

	settings := &Settings{}
	if err = yaml.NewDecoder(file).Decode(settings); err != nil {
		return nil, errors.Wrapf(err, "parsing settings file '%s'", path)
	}
	if err = settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	return settings, nil
}

func (s *Settings) Validate() error {
	if s.JobsRoot == "" {
		return errors.New("jobs root directory must be set")
	}
	return s.Jira.Validate()
}

// SummaryTemplate is the effective default summary template.
func (s *Settings) SummaryTemplate() string {
	if s.DefaultSummary != "" {
		return s.DefaultSummary
	}
	return DefaultSummaryTemplate
}

// DescriptionTemplate is the effective default description template.
func (s *Settings) DescriptionTemplate() string {
	if s.DefaultDescription != "" {
		return s.DefaultDescription
	}
	return DefaultDescriptionTemplate
}
