package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Template names
const (
	RollbackNotification = "rollback-notification"
	RollbackSubject      = "rollback-subject"
)

//go:embed defaults/*.template
var defaults embed.FS

// TemplateData holds variables for placeholder rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the override search paths for a template
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "rollbox", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Overrides are looked up in the following order before falling back to the
// built-in default:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/rollbox/templates/<name>.template
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s: %w", name, err)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution.
//
// Example:
//
//	subject, err := Render(RollbackSubject, TemplateData{
//	    "PROJECT":   "comics",
//	    "TO_COMMIT": "3f2c1a9",
//	    "OUTCOME":   "succeeded",
//	})
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}

	return rendered, nil
}

// funcs are available to HTML templates.
var funcs = template.FuncMap{
	"shortHash": func(hash string) string {
		if len(hash) > 7 {
			return hash[:7]
		}
		return hash
	},
	"formatTime": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04:05 MST")
	},
}

// RenderHTML renders a template with html/template, escaping every value.
func RenderHTML(templateName string, data interface{}) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Funcs(funcs).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		RollbackNotification,
		RollbackSubject,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		RollbackNotification: true,
		RollbackSubject:      true,
	}
	return validNames[name]
}
