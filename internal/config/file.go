package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envVarConfigFile = "INTERVIEW_RTC_CONFIG"

const envPrefix = "INTERVIEW_RTC_"

// fileKey maps an env var name to its config file key:
// INTERVIEW_RTC_LISTEN_ADDR becomes listen_addr, JWT_SECRET becomes jwt_secret.
func fileKey(envVar string) string {
	return strings.ToLower(strings.TrimPrefix(envVar, envPrefix))
}

// configFileFromArgs finds --config/-config without parsing the full flag
// set, so the file can seed flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// withConfigFile layers a config file under the environment. The returned
// lookup consults the environment first and then the file. Without a config
// file the environment lookup is returned unchanged.
func withConfigFile(lookup func(string) (string, bool), args []string) (func(string) (string, bool), string, error) {
	path := configFileFromArgs(args)
	if path == "" {
		path = envOrDefault(lookup, envVarConfigFile, "")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return lookup, "", nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("%s/--config %q: %w", envVarConfigFile, path, err)
	}

	return func(key string) (string, bool) {
		if val, ok := lookup(key); ok && val != "" {
			return val, true
		}
		k := fileKey(key)
		if !v.IsSet(k) {
			return "", false
		}
		switch v.Get(k).(type) {
		case []any, []string:
			return strings.Join(v.GetStringSlice(k), ","), true
		default:
			return v.GetString(k), true
		}
	}, path, nil
}
