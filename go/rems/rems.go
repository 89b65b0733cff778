// Package rems registers datasets as applyable resources in an external
// access-management system.
//
// Every object lives under one organisation and is identified within its
// kind by a natural key: the license's English title, the form and
// workflow titles, and the DOI for resources and catalogue items. All
// writes are idempotent by lookup-then-create, so redeliveries of the
// same completed-event do not create duplicates.
package rems

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/config"
)

// Error is a failed access-registry interaction.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("access registry %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("access registry %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to one access registry as one owner/handler user.
type Client struct {
	api      string
	user     string
	key      string
	template config.REMSTemplate
	client   *http.Client
}

// NewClient builds a Client from configuration and the organisational template.
func NewClient(cfg config.REMSConfig, template config.REMSTemplate) *Client {
	return &Client{
		api:      strings.TrimSuffix(cfg.API, "/"),
		user:     cfg.User,
		key:      cfg.Key,
		template: template,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// organizationRef is how the registry nests organisation ownership.
type organizationRef struct {
	ID string `json:"organization/id"`
}

// RegisterResource makes the dataset identified by doi applyable:
// organisation, license, form and workflow are ensured first, then the
// resource itself and a catalogue item binding them together.
func (c *Client) RegisterResource(ctx context.Context, doi string) error {
	if err := c.ensureOrganization(ctx); err != nil {
		return err
	}
	licenseID, err := c.ensureLicense(ctx)
	if err != nil {
		return err
	}
	formID, err := c.ensureForm(ctx)
	if err != nil {
		return err
	}
	workflowID, err := c.ensureWorkflow(ctx)
	if err != nil {
		return err
	}
	resourceID, err := c.ensureResource(ctx, doi, licenseID)
	if err != nil {
		return err
	}
	return c.ensureCatalogueItem(ctx, formID, resourceID, workflowID, doi)
}

func (c *Client) ensureOrganization(ctx context.Context) error {
	var org = c.template.Organization

	var existing struct {
		ID string `json:"organization/id"`
	}
	body, status, err := c.get(ctx, "/api/organizations/"+org.ID)
	if err == nil && status == http.StatusOK {
		if err := json.Unmarshal(body, &existing); err == nil && existing.ID == org.ID {
			log.WithField("organization", org.ID).Debug("organization exists")
			return nil
		}
	} else {
		log.WithFields(log.Fields{"status": status, "err": err}).
			Error("retrieving organization failed, attempting create")
	}

	var payload = map[string]any{
		"archived":                false,
		"enabled":                 true,
		"organization/id":         org.ID,
		"organization/short-name": map[string]any{"en": org.ShortName},
		"organization/name":       map[string]any{"en": org.Name},
		"organization/owners":     []map[string]any{{"userid": c.user}},
	}
	_, err = c.create(ctx, "organizations", payload, "organization/id")
	return err
}

func (c *Client) ensureLicense(ctx context.Context) (int, error) {
	var want = c.template.License.Localizations["en"].Title

	var licenses []struct {
		ID            int                            `json:"id"`
		Organization  organizationRef                `json:"organization"`
		Localizations map[string]config.Localization `json:"localizations"`
	}
	if err := c.list(ctx, "/api/licenses", &licenses); err == nil {
		for _, l := range licenses {
			if l.Organization.ID == c.template.Organization.ID && l.Localizations["en"].Title == want {
				log.WithFields(log.Fields{"license": want, "id": l.ID}).Debug("license exists")
				return l.ID, nil
			}
		}
	}

	var payload = map[string]any{
		"licensetype":   "link",
		"organization":  organizationRef{ID: c.template.Organization.ID},
		"localizations": c.template.License.Localizations,
	}
	return c.create(ctx, "licenses", payload, "id")
}

func (c *Client) ensureForm(ctx context.Context) (int, error) {
	var want = c.template.Form.Title

	var forms []struct {
		ID           int             `json:"form/id"`
		Organization organizationRef `json:"organization"`
		Title        string          `json:"form/title"`
	}
	if err := c.list(ctx, "/api/forms", &forms); err == nil {
		for _, f := range forms {
			if f.Organization.ID == c.template.Organization.ID && f.Title == want {
				log.WithFields(log.Fields{"form": want, "id": f.ID}).Debug("form exists")
				return f.ID, nil
			}
		}
	}

	var payload = map[string]any{
		"organization": organizationRef{ID: c.template.Organization.ID},
		"form/title":   want,
		"form/fields":  c.template.Form.Fields,
	}
	return c.create(ctx, "forms", payload, "id")
}

func (c *Client) ensureWorkflow(ctx context.Context) (int, error) {
	var want = c.template.Workflow.Title

	var workflows []struct {
		ID           int             `json:"id"`
		Organization organizationRef `json:"organization"`
		Title        string          `json:"title"`
	}
	if err := c.list(ctx, "/api/workflows", &workflows); err == nil {
		for _, w := range workflows {
			if w.Organization.ID == c.template.Organization.ID && w.Title == want {
				log.WithFields(log.Fields{"workflow": want, "id": w.ID}).Debug("workflow exists")
				return w.ID, nil
			}
		}
	}

	var payload = map[string]any{
		"organization": organizationRef{ID: c.template.Organization.ID},
		"title":        want,
		"type":         "workflow/default",
		"handlers":     []string{c.user},
	}
	return c.create(ctx, "workflows", payload, "id")
}

func (c *Client) ensureResource(ctx context.Context, doi string, licenseID int) (int, error) {
	var resources []struct {
		ID           int             `json:"id"`
		Organization organizationRef `json:"organization"`
		ResID        string          `json:"resid"`
	}
	if err := c.list(ctx, "/api/resources", &resources); err == nil {
		for _, r := range resources {
			if r.Organization.ID == c.template.Organization.ID && r.ResID == doi {
				log.WithFields(log.Fields{"doi": doi, "id": r.ID}).Debug("resource exists")
				return r.ID, nil
			}
		}
	}

	var payload = map[string]any{
		"resid":        doi,
		"organization": organizationRef{ID: c.template.Organization.ID},
		"licenses":     []int{licenseID},
	}
	return c.create(ctx, "resources", payload, "id")
}

func (c *Client) ensureCatalogueItem(ctx context.Context, formID, resourceID, workflowID int, doi string) error {
	var items []struct {
		ID           int             `json:"id"`
		WorkflowID   int             `json:"wfid"`
		FormID       int             `json:"formid"`
		ResID        string          `json:"resid"`
		Organization organizationRef `json:"organization"`
	}
	if err := c.list(ctx, "/api/catalogue-items", &items); err == nil {
		for _, item := range items {
			if item.Organization.ID == c.template.Organization.ID &&
				item.WorkflowID == workflowID && item.FormID == formID && item.ResID == doi {
				log.WithFields(log.Fields{"doi": doi, "id": item.ID}).Debug("catalogue item exists")
				return nil
			}
		}
	}

	var payload = map[string]any{
		"form":         formID,
		"resid":        resourceID,
		"wfid":         workflowID,
		"organization": organizationRef{ID: c.template.Organization.ID},
		"localizations": map[string]any{
			"en": map[string]any{
				"title":   fmt.Sprintf("Catalogue item for resource %s", doi),
				"infourl": doi,
			},
		},
		"enabled":  true,
		"archived": false,
	}
	var _, err = c.create(ctx, "catalogue-items", payload, "id")
	return err
}

// EnableResource enables a registered resource. The pipeline does not
// call it; it exists for operators re-enabling archived resources.
func (c *Client) EnableResource(ctx context.Context, resourceID int) error {
	var payload = map[string]any{"id": resourceID, "enabled": true}

	buf, err := json.Marshal(payload)
	if err != nil {
		return &Error{Op: "enable resource", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.api+"/api/resources/enabled", bytes.NewReader(buf))
	if err != nil {
		return &Error{Op: "enable resource", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: "enable resource", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "enable resource", Status: resp.StatusCode}
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.Success {
		return &Error{Op: "enable resource", Err: fmt.Errorf("registry did not confirm success")}
	}
	return nil
}

// create POSTs to the kind's /create sibling and returns the created id.
// The registry must confirm with {"success": true, <idKey>: ...}.
func (c *Client) create(ctx context.Context, kind string, payload any, idKey string) (int, error) {
	var op = "create " + kind

	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/%s/create", c.api, kind), bytes.NewReader(buf))
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &Error{Op: op, Status: resp.StatusCode}
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, &Error{Op: op, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if success, ok := result["success"].(bool); !ok || !success {
		return 0, &Error{Op: op, Err: fmt.Errorf("registry did not confirm success")}
	}

	var id int
	if n, ok := result[idKey].(float64); ok {
		id = int(n)
	}
	log.WithFields(log.Fields{"kind": kind, "id": result[idKey]}).Info("created access-registry object")
	return id, nil
}

// list GETs a collection endpoint. Lookup failures are logged rather
// than fatal: the subsequent create is the authoritative call.
func (c *Client) list(ctx context.Context, path string, out any) error {
	var body, status, err = c.get(ctx, path)
	if err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Error("access-registry lookup failed")
		return err
	}
	if status != http.StatusOK {
		log.WithFields(log.Fields{"path": path, "status": status}).Error("access-registry lookup failed")
		return &Error{Op: "list " + path, Status: status}
	}
	return json.Unmarshal(body, out)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api+path, nil)
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rems-api-key", c.key)
	req.Header.Set("x-rems-user-id", c.user)
}
