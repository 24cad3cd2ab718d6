package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation issue with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	write := func(title string, issues []ValidationError) {
		if len(issues) == 0 {
			return
		}
		builder.WriteString(title + ":\n")
		for _, issue := range issues {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", issue.Field, issue.Message))
			for _, suggestion := range issue.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	write("Validation errors", vr.Errors)
	write("Validation warnings", vr.Warnings)

	return builder.String()
}

// ValidateConfigWithDetails reports problems that Load accepts but that are
// likely mistakes, alongside the hard errors Load would reject.
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateViewsConfigDetails(&config.Views, result)
	validateRenderConfigDetails(&config.Render, result)
	validateWatchConfigDetails(&config.Watch, result)
	validateServerConfigDetails(&config.Server, result)

	result.Valid = !result.HasErrors()

	return result
}

func validateViewsConfigDetails(config *ViewsConfig, result *ValidationResult) {
	if len(config.Roots) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "views.roots",
			Message:     "no view roots configured",
			Suggestions: []string{"Add at least one directory, e.g. ./views"},
		})
	}

	seen := make(map[string]bool)
	for _, root := range config.Roots {
		if err := validatePath(root); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "views.roots",
				Value:   root,
				Message: err.Error(),
			})
			continue
		}
		if seen[root] {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   "views.roots",
				Value:   root,
				Message: fmt.Sprintf("root %s is listed more than once", root),
			})
		}
		seen[root] = true
		if !pathExists(root) {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:       "views.roots",
				Value:       root,
				Message:     fmt.Sprintf("root %s does not exist", root),
				Suggestions: []string{"Create the directory or remove it from views.roots"},
			})
		}
	}

	for _, ext := range config.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			result.Errors = append(result.Errors, ValidationError{
				Field:       "views.extensions",
				Value:       ext,
				Message:     fmt.Sprintf("extension %q must start with '.'", ext),
				Suggestions: []string{fmt.Sprintf("Use .%s", strings.TrimPrefix(ext, "."))},
			})
		}
	}

	if config.FragmentMarker == config.SharedSegment {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "views.fragment_marker",
			Value:   config.FragmentMarker,
			Message: "fragment marker equals the shared segment, so every shared view is a fragment",
		})
	}
}

func validateRenderConfigDetails(config *RenderConfig, result *ValidationResult) {
	if config.BundleManifest != "" && !pathExists(config.BundleManifest) {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:       "render.bundle_manifest",
			Value:       config.BundleManifest,
			Message:     "bundle manifest not found; debug bundles will expand to nothing",
			Suggestions: []string{"Check the path or clear render.bundle_manifest"},
		})
	}

	if config.Debug && config.Minify {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "render.minify",
			Value:   config.Minify,
			Message: "minification is enabled together with debug bundles",
		})
	}

	if !strings.HasPrefix(config.ResourceRoot, "/") {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:       "render.resource_root",
			Value:       config.ResourceRoot,
			Message:     "resource root is relative, links will resolve against the page URL",
			Suggestions: []string{"Prefix the resource root with /"},
		})
	}
}

func validateWatchConfigDetails(config *WatchConfig, result *ValidationResult) {
	if err := validateWatchConfig(config); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "watch",
			Message: err.Error(),
		})
		return
	}

	if config.RetryLimit == 0 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:       "watch.retry_limit",
			Value:       config.RetryLimit,
			Message:     "retries are unbounded, a permanently locked file blocks the watch loop",
			Suggestions: []string{"Set a positive retry_limit"},
		})
	}
}

func validateServerConfigDetails(config *ServerConfig, result *ValidationResult) {
	if config.Port < 0 || config.Port > 65535 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			Suggestions: []string{
				"Use a port between 1024-65535 for non-privileged access",
			},
		})
	} else if config.Port > 0 && config.Port < 1024 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: fmt.Sprintf("port %d is privileged", config.Port),
		})
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.host",
				Value:   config.Host,
				Message: err.Error(),
			})
		}
	}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validateHostname(host string) error {
	// Check for dangerous characters
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
