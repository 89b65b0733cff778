package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed config.json
var defaultTemplate []byte

// Template is the access-registry organisational template: the fixed
// objects (organisation, license, form, workflow) every registered
// dataset hangs off. Deployments override the packaged default through
// CONFIG_FILE.
type Template struct {
	REMS REMSTemplate `json:"rems"`
}

// REMSTemplate holds the per-deployment access-registry objects.
type REMSTemplate struct {
	Organization Organization `json:"organization"`
	License      License      `json:"license"`
	Form         Form         `json:"form"`
	Workflow     Workflow     `json:"workflow"`
}

// Organization identifies the owning organisation of all registered objects.
type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

// License describes the license attached to registered resources.
// Localizations pass through to the registry as-is; the English title is
// the license's natural key.
type License struct {
	Localizations map[string]Localization `json:"localizations"`
}

// Localization is one language entry of a license or catalogue item.
type Localization struct {
	Title       string `json:"title"`
	TextContent string `json:"textcontent,omitempty"`
	InfoURL     string `json:"infourl,omitempty"`
}

// Form describes the application form; Fields pass through verbatim.
type Form struct {
	Title  string           `json:"title"`
	Fields []map[string]any `json:"fields"`
}

// Workflow names the application-handling workflow.
type Workflow struct {
	Title string `json:"title"`
}

// LoadTemplate reads the template from path, or the packaged default
// when path is empty. A missing or malformed file is startup-fatal.
func LoadTemplate(path string) (*Template, error) {
	var raw = defaultTemplate
	if path != "" {
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading template %q: %w", path, err)
		}
	}

	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if err := tpl.validate(); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return &tpl, nil
}

func (t *Template) validate() error {
	switch {
	case t.REMS.Organization.ID == "":
		return fmt.Errorf("organization id is required")
	case t.REMS.Organization.Name == "":
		return fmt.Errorf("organization name is required")
	case t.REMS.License.Localizations["en"].Title == "":
		return fmt.Errorf("license must carry an English title")
	case t.REMS.Form.Title == "":
		return fmt.Errorf("form title is required")
	case t.REMS.Workflow.Title == "":
		return fmt.Errorf("workflow title is required")
	}
	return nil
}
