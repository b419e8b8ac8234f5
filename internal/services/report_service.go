package services

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/repository/memory"
	"hazardwatch/internal/state"
	"hazardwatch/pkg/utils"
)

// PhotoReader loads the bytes and content type of a local photo reference.
type PhotoReader func(uri string) ([]byte, string, error)

// ReadPhotoFile reads a photo from the local filesystem.
func ReadPhotoFile(uri string) ([]byte, string, error) {
	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}

// ReportService turns drafts into submitted incidents.
type ReportService struct {
	api       Backend
	cache     *memory.IncidentCache
	store     *state.Store
	location  *LocationService
	cfg       config.FeedConfig
	readPhoto PhotoReader
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewReportService(
	backend Backend,
	cache *memory.IncidentCache,
	store *state.Store,
	location *LocationService,
	cfg config.FeedConfig,
	logger logrus.FieldLogger,
) *ReportService {
	return &ReportService{
		api:       backend,
		cache:     cache,
		store:     store,
		location:  location,
		cfg:       cfg,
		readPhoto: ReadPhotoFile,
		logger:    logger.WithField("component", "reports"),
		now:       time.Now,
	}
}

// SaveDraft persists an in-progress report, assigning its provisional id on
// first save.
func (s *ReportService) SaveDraft(ctx context.Context, d *entities.Draft) error {
	if d.ProvisionalID == "" {
		d.ProvisionalID = utils.ProvisionalID()
	}
	d.UpdatedAt = s.now()
	return s.store.SaveDraft(ctx, d)
}

// Draft returns the saved draft, or nil.
func (s *ReportService) Draft(ctx context.Context) (*entities.Draft, error) {
	return s.store.Draft(ctx)
}

// Submit validates the draft, uploads its photo and creates the incident.
// The incident enters the cache only after the server accepted it. On
// success the draft is cleared; on any failure it is kept for a retry.
func (s *ReportService) Submit(ctx context.Context, d *entities.Draft) (*entities.Incident, error) {
	inc, err := s.submit(ctx, d)
	if err != nil {
		if serr := s.SaveDraft(ctx, d); serr != nil {
			s.logger.WithError(serr).Warn("failed to keep draft")
		}
		return nil, err
	}
	if err := s.store.ClearDraft(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to clear draft")
	}
	return inc, nil
}

func (s *ReportService) submit(ctx context.Context, d *entities.Draft) (*entities.Incident, error) {
	const op = "submit report"

	text := strings.TrimSpace(d.Text)
	switch {
	case text == "":
		return nil, apperr.Validationf(op, "Describe the hazard before submitting.")
	case utf8.RuneCountInString(text) > entities.MaxIncidentTextLen:
		return nil, apperr.Validationf(op, "Descriptions can be at most %d characters.", entities.MaxIncidentTextLen)
	case utf8.RuneCountInString(d.AISummary) > entities.MaxAISummaryLen:
		return nil, apperr.Validationf(op, "The summary can be at most %d characters.", entities.MaxAISummaryLen)
	}
	typ := d.Type
	if typ == "" {
		typ = entities.IncidentTypeOther
	}
	if !typ.Valid() {
		return nil, apperr.Validationf(op, "Unknown hazard type %q.", typ)
	}

	coord, err := s.resolveLocation(ctx, d)
	if err != nil {
		return nil, err
	}

	if d.ProvisionalID == "" {
		d.ProvisionalID = utils.ProvisionalID()
	}
	req := entities.NewIncidentRequest{
		ClientID:  d.ProvisionalID,
		Lat:       coord.Lat,
		Lon:       coord.Lon,
		Type:      typ,
		Text:      text,
		AISummary: d.AISummary,
		AIFlags:   d.AIFlags,
	}
	if d.PhotoURI != "" {
		req.Photo = s.uploadPhoto(ctx, d.PhotoURI)
	}

	inc, err := s.api.CreateIncident(ctx, req)
	if err != nil {
		return nil, err
	}
	s.cache.Upsert(inc, memory.SourceMutation)
	s.logger.WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"client_id":   req.ClientID,
	}).Info("report submitted")
	return inc, nil
}

func (s *ReportService) resolveLocation(ctx context.Context, d *entities.Draft) (entities.Coordinate, error) {
	const op = "submit report"
	if d.Location != nil {
		if !d.Location.Valid() {
			return entities.Coordinate{}, apperr.Validationf(op, "The report location is out of range.")
		}
		return *d.Location, nil
	}
	if s.cfg.AllowFallbackLocation && s.location != nil {
		fix, err := s.location.LastKnown(ctx)
		if err == nil && fix != nil {
			s.logger.WithField("taken_at", fix.TakenAt).Info("report uses last known location")
			return fix.Coordinate, nil
		}
	}
	return entities.Coordinate{}, apperr.Validationf(op, "Choose a location for the report.")
}

// uploadPhoto uploads the photo and returns its reference. Any failure falls
// back to the local reference so the report is never blocked on storage.
func (s *ReportService) uploadPhoto(ctx context.Context, uri string) *entities.PhotoRef {
	fallback := &entities.PhotoRef{URL: uri}
	logger := s.logger.WithField("photo", uri)

	data, contentType, err := s.readPhoto(uri)
	if err != nil {
		logger.WithError(err).Warn("cannot read photo, submitting local reference")
		return fallback
	}
	ticket, err := s.api.RequestUpload(ctx, contentType)
	if err != nil {
		logger.WithError(err).Warn("upload request failed, submitting local reference")
		return fallback
	}
	ref, err := s.api.UploadPhoto(ctx, ticket, data)
	if err != nil {
		logger.WithError(err).WithField("storage_key", ticket.StorageKey).Warn("upload failed, submitting local reference")
		return fallback
	}
	return ref
}
