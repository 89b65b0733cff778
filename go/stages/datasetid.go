package stages

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/config"
	"github.com/neicnordic/sda-orchestrator/go/doi"
	"github.com/neicnordic/sda-orchestrator/go/identifiers"
	"github.com/neicnordic/sda-orchestrator/go/rems"
)

// DatasetIDProvider acquires the dataset identifier announced in the
// mapping message.
type DatasetIDProvider interface {
	DatasetID(ctx context.Context, user, filepath string) (string, error)
}

// DOIClient drafts and publishes DOIs.
type DOIClient interface {
	CreateDraft(ctx context.Context, user, filepath string) (doi.DOI, error)
	SetState(ctx context.Context, state, suffix string) error
}

// AccessRegistry registers a dataset resource under a DOI.
type AccessRegistry interface {
	RegisterResource(ctx context.Context, doi string) error
}

// URNProvider derives the deterministic URN dataset id, with no remote
// calls.
type URNProvider struct{}

// DatasetID implements DatasetIDProvider.
func (URNProvider) DatasetID(_ context.Context, user, filepath string) (string, error) {
	return identifiers.DatasetID(user, filepath), nil
}

// RegisteredDOIProvider runs the registered-DOI protocol: draft the
// DOI, register the access-registry resource under it, then publish it.
// The resource must exist before the DOI becomes findable, otherwise a
// published DOI would be unreachable through the access layer.
//
// The protocol is not transactional. A crash after registration leaves
// a draft DOI behind; drafts are un-findable and cheap, and on
// redelivery the registry's lookup-then-create absorbs the repeat while
// a fresh draft is minted.
type RegisteredDOIProvider struct {
	DOI      DOIClient
	Registry AccessRegistry
}

// DatasetID implements DatasetIDProvider.
func (p *RegisteredDOIProvider) DatasetID(ctx context.Context, user, filepath string) (string, error) {
	var d, err = p.DOI.CreateDraft(ctx, user, filepath)
	if err != nil {
		return "", err
	}
	if err := p.Registry.RegisterResource(ctx, d.FullDOI); err != nil {
		return "", err
	}
	if err := p.DOI.SetState(ctx, "publish", d.Suffix); err != nil {
		return "", err
	}
	return d.FullDOI, nil
}

// SelectDatasetIDProvider picks the identifier strategy at process
// start: the registered-DOI protocol when both registries are fully
// configured, the deterministic URN otherwise.
func SelectDatasetIDProvider(doiCfg config.DOIConfig, remsCfg config.REMSConfig, template *config.Template) DatasetIDProvider {
	if doiCfg.Configured() && remsCfg.Configured() {
		log.Info("dataset identifiers are registered DOIs")
		return &RegisteredDOIProvider{
			DOI:      doi.NewClient(doiCfg),
			Registry: rems.NewClient(remsCfg, template.REMS),
		}
	}
	log.Info("dataset identifiers are deterministic URNs")
	return URNProvider{}
}
