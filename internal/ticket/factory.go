package ticket

import "fmt"

// Settings selects and configures a provider
type Settings struct {
	Provider      string
	GitLabURL     string
	GitLabToken   string
	GitHubURL     string
	GitHubToken   string
	RatePerSecond float64
	Burst         int
}

// New builds the configured provider wrapped in a Throttled client
func New(s Settings) (Client, error) {
	var (
		client Client
		err    error
	)
	switch s.Provider {
	case providerGitLab:
		client, err = NewGitLabClient(s.GitLabURL, s.GitLabToken)
	case providerGitHub:
		client, err = NewGitHubClient(s.GitHubURL, s.GitHubToken)
	case providerLog, "":
		client = NewLogClient()
	default:
		return nil, fmt.Errorf("unknown ticket provider %q", s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewThrottled(client, s.RatePerSecond, s.Burst), nil
}
