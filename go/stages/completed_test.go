package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neicnordic/sda-orchestrator/go/broker"
	"github.com/neicnordic/sda-orchestrator/go/config"
	"github.com/neicnordic/sda-orchestrator/go/doi"
)

// scriptedRegistries records the order of DOI and access-registry calls.
type scriptedRegistries struct {
	calls    []string
	draftErr error
	regErr   error
	stateErr error
}

func (s *scriptedRegistries) CreateDraft(_ context.Context, user, filepath string) (doi.DOI, error) {
	s.calls = append(s.calls, "create_draft")
	if s.draftErr != nil {
		return doi.DOI{}, s.draftErr
	}
	return doi.DOI{Suffix: "xyz", FullDOI: "10.0/xyz"}, nil
}

func (s *scriptedRegistries) SetState(_ context.Context, state, suffix string) error {
	s.calls = append(s.calls, "set_state:"+state+":"+suffix)
	return s.stateErr
}

func (s *scriptedRegistries) RegisterResource(_ context.Context, doi string) error {
	s.calls = append(s.calls, "register_resource:"+doi)
	return s.regErr
}

type recordedMapping struct {
	user, path, checksum, datasetID, accessionID string
}

type fakeRecorder struct {
	mappings []recordedMapping
	err      error
}

func (r *fakeRecorder) MapFileToDataset(_ context.Context, user, inboxPath, checksum, datasetID, accessionID string) error {
	if r.err != nil {
		return r.err
	}
	r.mappings = append(r.mappings, recordedMapping{user, inboxPath, checksum, datasetID, accessionID})
	return nil
}

const completedBody = `{"user":"u","filepath":"/a/b/c","accession_id":"urn:uuid:X",` +
	`"decrypted_checksums":[{"type":"sha256","value":"h"}]}`

func TestCompletedWithURNDatasetID(t *testing.T) {
	var publisher = new(fakePublisher)
	var handler = &Completed{Publisher: publisher, MappingsQueue: "mappings", DatasetID: URNProvider{}}

	require.NoError(t, handler.Handle(context.Background(), broker.Delivery{
		CorrelationID: "corr-5",
		Body:          []byte(completedBody),
	}))

	require.Len(t, publisher.published, 1)
	var sent = publisher.published[0]
	require.Equal(t, "mappings", sent.queue)
	require.Equal(t, "corr-5", sent.correlationID)
	require.Equal(t, map[string]any{
		"type":          "mapping",
		"dataset_id":    "urn:dir:a",
		"accession_ids": []any{"urn:uuid:X"},
	}, sent.body)
}

func TestCompletedWithRegisteredDOI(t *testing.T) {
	var registries = new(scriptedRegistries)
	var publisher = new(fakePublisher)
	var handler = &Completed{
		Publisher:     publisher,
		MappingsQueue: "mappings",
		DatasetID:     &RegisteredDOIProvider{DOI: registries, Registry: registries},
	}

	require.NoError(t, handler.Handle(context.Background(), broker.Delivery{Body: []byte(completedBody)}))

	// Draft first, register the access side under the draft, publish last.
	require.Equal(t, []string{
		"create_draft",
		"register_resource:10.0/xyz",
		"set_state:publish:xyz",
	}, registries.calls)

	require.Equal(t, map[string]any{
		"type":          "mapping",
		"dataset_id":    "10.0/xyz",
		"accession_ids": []any{"urn:uuid:X"},
	}, publisher.published[0].body)
}

func TestCompletedRegistryFailuresAbort(t *testing.T) {
	var cases = []struct {
		name   string
		script *scriptedRegistries
		calls  []string
	}{
		{
			"draft fails",
			&scriptedRegistries{draftErr: errors.New("mint refused")},
			[]string{"create_draft"},
		},
		{
			"registration fails, DOI stays unpublished",
			&scriptedRegistries{regErr: errors.New("registry down")},
			[]string{"create_draft", "register_resource:10.0/xyz"},
		},
		{
			"publish fails",
			&scriptedRegistries{stateErr: errors.New("publish refused")},
			[]string{"create_draft", "register_resource:10.0/xyz", "set_state:publish:xyz"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var publisher = new(fakePublisher)
			var handler = &Completed{
				Publisher:     publisher,
				MappingsQueue: "mappings",
				DatasetID:     &RegisteredDOIProvider{DOI: tc.script, Registry: tc.script},
			}

			require.Error(t, handler.Handle(context.Background(), broker.Delivery{Body: []byte(completedBody)}))
			require.Equal(t, tc.calls, tc.script.calls)
			require.Empty(t, publisher.published)
		})
	}
}

func TestCompletedRecordsMapping(t *testing.T) {
	var recorder = new(fakeRecorder)
	var handler = &Completed{
		Publisher:     new(fakePublisher),
		MappingsQueue: "mappings",
		DatasetID:     URNProvider{},
		Recorder:      recorder,
	}

	require.NoError(t, handler.Handle(context.Background(), broker.Delivery{Body: []byte(completedBody)}))
	require.Equal(t, []recordedMapping{
		{user: "u", path: "/a/b/c", checksum: "h", datasetID: "urn:dir:a", accessionID: "urn:uuid:X"},
	}, recorder.mappings)
}

func TestCompletedRecorderFailureIsNotFatal(t *testing.T) {
	var publisher = new(fakePublisher)
	var handler = &Completed{
		Publisher:     publisher,
		MappingsQueue: "mappings",
		DatasetID:     URNProvider{},
		Recorder:      &fakeRecorder{err: errors.New("db down")},
	}

	require.NoError(t, handler.Handle(context.Background(), broker.Delivery{Body: []byte(completedBody)}))
	require.Len(t, publisher.published, 1)
}

func TestCompletedInvalidMessage(t *testing.T) {
	var handler = &Completed{Publisher: new(fakePublisher), MappingsQueue: "mappings", DatasetID: URNProvider{}}
	require.Error(t, handler.Handle(context.Background(), broker.Delivery{
		Body: []byte(`{"user":"u","filepath":"/a/b/c"}`),
	}))
}

func TestSelectDatasetIDProvider(t *testing.T) {
	var template, err = config.LoadTemplate("")
	require.NoError(t, err)

	var doiCfg = config.DOIConfig{API: "https://api", Prefix: "10.0", User: "u", Key: "k"}
	var remsCfg = config.REMSConfig{API: "https://rems", User: "owner", Key: "key"}

	var provider = SelectDatasetIDProvider(doiCfg, remsCfg, template)
	require.IsType(t, &RegisteredDOIProvider{}, provider)

	// Any missing variable falls back to deterministic URNs.
	provider = SelectDatasetIDProvider(config.DOIConfig{}, remsCfg, template)
	require.IsType(t, URNProvider{}, provider)

	provider = SelectDatasetIDProvider(doiCfg, config.REMSConfig{}, template)
	require.IsType(t, URNProvider{}, provider)

	id, err := URNProvider{}.DatasetID(context.Background(), "u", "/a/b/c")
	require.NoError(t, err)
	require.Equal(t, "urn:dir:a", id)
}
