package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/v2x/pkg/log"
)

const configFlagName = "config"

// DefaultEnvPrefix prefixes every environment override, e.g. V2X_HTTP_ADDR
// for --http.addr.
const DefaultEnvPrefix = "V2X"

func addConfigFlag(fs *pflag.FlagSet, name string) *string {
	var cfgFile string
	fs.StringVarP(&cfgFile, configFlagName, "c", "",
		"Read configuration from the specified YAML file. Without it "+name+".yaml is searched for in ., $HOME/.v2x and /etc/v2x.")
	return &cfgFile
}

// loadConfig binds fs to v and reads the config file. A missing file is not
// an error unless it was named explicitly.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet, name, cfgFile, envPrefix string) error {
	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".v2x"))
		}
		v.AddConfigPath("/etc/v2x")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// watchConfig re-reads opts whenever the config file changes and then calls
// onChange. It is a no-op without a config file.
func watchConfig(v *viper.Viper, opts any, onChange func()) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.Unmarshal(opts); err != nil {
			log.Error(err, "Failed to reload configuration", "file", e.Name)
			return
		}
		log.Info("Configuration reloaded", "file", e.Name, "op", e.Op.String())
		onChange()
	})
	v.WatchConfig()
}
