package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// tagsValue collects repeated name=value flags into a tag map
type tagsValue map[string]string

var _ pflag.Value = (*tagsValue)(nil)

func (t *tagsValue) String() string {
	if t == nil || len(*t) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(*t))
	for name, value := range *t {
		pairs = append(pairs, name+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Set parses one name=value pair. Later pairs for the same name win.
func (t *tagsValue) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("tag %q must be name=value", s)
	}
	if *t == nil {
		*t = make(tagsValue)
	}
	(*t)[name] = value
	return nil
}

func (t *tagsValue) Type() string {
	return "name=value"
}

// ServerFlags are the flags shared by commands that bind the preview host
type ServerFlags struct {
	Port     int
	Host     string
	NoReload bool
}

// addServerFlags registers the server flags on cmd and binds them to the
// server section of the configuration.
func addServerFlags(cmd *cobra.Command) *ServerFlags {
	flags := &ServerFlags{}
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 8080, "Port to serve on")
	cmd.Flags().StringVar(&flags.Host, "host", "localhost", "Host to bind to")
	cmd.Flags().BoolVar(&flags.NoReload, "no-reload", false, "Don't inject the live reload script")
	return flags
}

// bindChangedFlags binds flags the user set explicitly to their viper keys,
// so unset flags leave file and environment values alone.
func bindChangedFlags(fs *pflag.FlagSet, keys map[string]string) error {
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = viper.BindPFlag(key, f)
	})
	return bindErr
}
