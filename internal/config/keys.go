package config

import "os"

// SettingSource represents where a runtime setting comes from.
type SettingSource string

const (
	SourceEnv    SettingSource = "env"
	SourceConfig SettingSource = "config"
	SourceNone   SettingSource = "none"
)

// SettingStatus describes one deployment-critical setting for diagnostics.
type SettingStatus struct {
	Name   string        `json:"name"`
	Source SettingSource `json:"source"`
	IsSet  bool          `json:"is_set"`
	Value  string        `json:"value,omitempty"` // masked where sensitive
}

// CheckDeployment reports the status of the deployment-critical settings,
// used by the CLI status command and the health diagnostics.
func CheckDeployment(cfg *Config) []SettingStatus {
	return []SettingStatus{
		checkSetting("Database path", cfg.Store.Path, "ACEMARKET_DB", false),
		checkSetting("Environment", cfg.Environment, "ENVIRONMENT", false),
		checkSetting("Auth credentials", cfg.Auth.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS", true),
		checkSetting("Auth project", cfg.Auth.ProjectID, "ACEMARKET_AUTH_PROJECT_ID", false),
		checkSetting("Log level", cfg.Logging.Level, "LOG_LEVEL", false),
	}
}

// checkSetting determines whether a value is set and where it came from.
func checkSetting(name, value, envVar string, sensitive bool) SettingStatus {
	status := SettingStatus{
		Name:  name,
		IsSet: value != "",
	}

	if value != "" {
		if os.Getenv(envVar) != "" {
			status.Source = SourceEnv
		} else {
			status.Source = SourceConfig
		}
		if sensitive {
			status.Value = maskValue(value)
		} else {
			status.Value = value
		}
	} else {
		status.Source = SourceNone
	}

	return status
}

// maskValue hides the middle of a sensitive value, showing only the edges.
func maskValue(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:3] + "..." + v[len(v)-3:]
}
