package geoform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethicsmap/geoform/airtable"
	"github.com/ethicsmap/geoform/geocode"
)

// ErrSessionNotFound is returned when a completion references a session id no stored
// record carries
var ErrSessionNotFound = errors.New("no record found with the provided session id")

// Action says what the reconciler did with a submission
type Action string

const (
	ActionCreated   Action = "created"
	ActionCompleted Action = "completed"
	ActionDuplicate Action = "duplicate"
)

// Outcome is the result of reconciling one verified submission against the store
type Outcome struct {
	Action   Action
	RecordID string
}

// Reconciler decides, per inbound submission, whether to insert a new record, complete
// an existing one, or do nothing
type Reconciler struct {
	store *airtable.Client
	geo   *geocode.Client

	latField string
	lngField string
}

// NewReconciler creates a new reconciler writing coordinates to the passed in field names
func NewReconciler(store *airtable.Client, geo *geocode.Client, latField, lngField string) *Reconciler {
	return &Reconciler{store: store, geo: geo, latField: latField, lngField: lngField}
}

// Submit reconciles a first-time submission. The policy is one record per IP: if any
// record already carries this submission's IP we take no action and report that as a
// non-error, so sender retries and repeat submissions converge on a single record.
func (r *Reconciler) Submit(ctx context.Context, sub *Submission) (*Outcome, error) {
	log := slog.With("comp", "reconciler", "ip", sub.IP)

	existing, err := r.store.Query(ctx, airtable.FieldIP, sub.IP)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		log.Info("duplicate submission ignored", "record_id", existing[0].ID)
		return &Outcome{Action: ActionDuplicate, RecordID: existing[0].ID}, nil
	}

	fields := sub.MappedFields()
	fields[airtable.FieldIP] = sub.IP

	city, country := parseLocation(sub.City)
	if city != "" {
		fields[airtable.FieldCity] = city
	}
	if country != "" {
		fields[airtable.FieldCountry] = country
	}
	if sub.SessionID != "" {
		fields[airtable.FieldSessionID] = sub.SessionID
	}

	// enrichment is best effort, a failed lookup never blocks the insert
	if place, err := r.geo.Lookup(ctx, sub.Zipcode); err != nil {
		log.Debug("geocode enrichment skipped", "zipcode", sub.Zipcode, "error", err)
	} else {
		fields[r.latField] = place.Latitude
		fields[r.lngField] = place.Longitude
		if city == "" && place.City != "" {
			fields[airtable.FieldCity] = place.City
		}
	}

	record, err := r.store.Create(ctx, fields)
	if err != nil {
		return nil, err
	}

	log.Info("submission recorded", "record_id", record.ID)
	return &Outcome{Action: ActionCreated, RecordID: record.ID}, nil
}

// Complete looks up the record pending this completion's session id and sets its Email
// field, leaving every other field untouched
func (r *Reconciler) Complete(ctx context.Context, completion *Completion) (*Outcome, error) {
	log := slog.With("comp", "reconciler", "session_id", completion.RecordID)

	matches, err := r.store.Query(ctx, airtable.FieldSessionID, completion.RecordID)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrSessionNotFound
	}
	if len(matches) > 1 {
		// session ids should be unique, take the first but let operators know
		log.Warn("multiple records match session id", "matches", len(matches))
	}

	record, err := r.store.Update(ctx, matches[0].ID, map[string]any{airtable.FieldEmail: completion.Email})
	if err != nil {
		return nil, err
	}

	log.Info("session completed", "record_id", record.ID)
	return &Outcome{Action: ActionCompleted, RecordID: record.ID}, nil
}
