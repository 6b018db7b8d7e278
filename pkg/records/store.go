// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/storage"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// ErrNoChange may be returned by an UpdateCertificate mutator to leave the
// record untouched without failing.
var ErrNoChange = errors.New("records: no change")

// errNeedsRepair signals a read path that the document must be repaired
// under the write lock.
var errNeedsRepair = errors.New("records: repair required")

// Options configure a Store.
type Options struct {
	// RepairCorrupt backs up an unparsable document as
	// <name>.corrupt-<unix> and starts it empty instead of failing.
	RepairCorrupt bool

	Logger *logging.Logger

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Store is the record store. Readers run concurrently; writers are
// serialized and rewrite the whole document.
type Store struct {
	backend storage.Backend
	repair  bool
	logger  *logging.Logger
	now     func() time.Time
	mu      sync.RWMutex
}

type certificateDocument struct {
	Total        int                  `json:"total"`
	Certificates []*CertificateRecord `json:"certificates"`
}

type signatureDocument struct {
	Total int                `json:"total"`
	Items []*SignatureRecord `json:"items"`
}

// Stats summarizes the store.
type Stats struct {
	Certificates map[string]int `json:"certificates"`
	Signatures   int            `json:"signatures"`
}

// New opens a store on backend. Both documents are parsed once so that
// corruption surfaces at startup.
func New(backend storage.Backend, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &Store{
		backend: backend,
		repair:  opts.RepairCorrupt,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = logging.DefaultLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadCertificates(true); err != nil {
		return nil, err
	}
	if _, err := s.loadSignatures(true); err != nil {
		return nil, err
	}
	return s, nil
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// =============================================================================
// Certificates
// =============================================================================

// AppendCertificate assigns an id when empty, defaults the status to valid
// and appends the record.
func (s *Store) AppendCertificate(rec *CertificateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusValid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadCertificates(true)
	if err != nil {
		return err
	}
	for _, r := range doc.Certificates {
		if r.ID == rec.ID {
			return fmt.Errorf("records: duplicate certificate id %s", rec.ID)
		}
	}
	doc.Certificates = append(doc.Certificates, rec.clone())
	return s.save(CertificatesDocument, doc)
}

// UpdateCertificate applies fn to the stored record under the write lock
// and persists the result. fn may return ErrNoChange to skip the write.
func (s *Store) UpdateCertificate(id string, fn func(*CertificateRecord) error) (*CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadCertificates(true)
	if err != nil {
		return nil, err
	}
	for i, r := range doc.Certificates {
		if r.ID != id {
			continue
		}
		updated := r.clone()
		if err := fn(updated); err != nil {
			if errors.Is(err, ErrNoChange) {
				return r.clone(), nil
			}
			return nil, err
		}
		updated.ID = id
		doc.Certificates[i] = updated
		if err := s.save(CertificatesDocument, doc); err != nil {
			return nil, err
		}
		return updated.clone(), nil
	}
	return nil, notFound("certificate", id)
}

// GetCertificate returns a copy of the record with the given id.
func (s *Store) GetCertificate(id string) (*CertificateRecord, error) {
	doc, err := s.readCertificates()
	if err != nil {
		return nil, err
	}
	for _, r := range doc.Certificates {
		if r.ID == id {
			return r.clone(), nil
		}
	}
	return nil, notFound("certificate", id)
}

// ListCertificates returns matching records in issuance order.
func (s *Store) ListCertificates(filter CertificateFilter) ([]*CertificateRecord, error) {
	doc, err := s.readCertificates()
	if err != nil {
		return nil, err
	}
	out := make([]*CertificateRecord, 0, len(doc.Certificates))
	for _, r := range doc.Certificates {
		if filter.match(r) {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// FindByKey returns the most recently issued certificate for keyID. Equal
// issue timestamps are resolved in favor of the later record.
func (s *Store) FindByKey(keyID string) (*CertificateRecord, error) {
	list, err := s.ListCertificates(CertificateFilter{KeyID: keyID})
	if err != nil {
		return nil, err
	}
	var latest *CertificateRecord
	for _, r := range list {
		if latest == nil || r.Issued >= latest.Issued {
			latest = r
		}
	}
	if latest == nil {
		return nil, notFound("certificate for key", keyID)
	}
	return latest, nil
}

// =============================================================================
// Signatures
// =============================================================================

// AppendSignature assigns an id when empty and appends the record.
func (s *Store) AppendSignature(rec *SignatureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Algorithm == "" {
		rec.Algorithm = Algorithm
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSignatures(true)
	if err != nil {
		return err
	}
	doc.Items = append(doc.Items, rec.clone())
	return s.save(SignaturesDocument, doc)
}

// GetSignature returns a copy of the signature record with the given id.
func (s *Store) GetSignature(id string) (*SignatureRecord, error) {
	doc, err := s.readSignatures()
	if err != nil {
		return nil, err
	}
	for _, r := range doc.Items {
		if r.ID == id {
			return r.clone(), nil
		}
	}
	return nil, notFound("signature", id)
}

// ListSignatures returns matching records in creation order.
func (s *Store) ListSignatures(filter SignatureFilter) ([]*SignatureRecord, error) {
	doc, err := s.readSignatures()
	if err != nil {
		return nil, err
	}
	out := make([]*SignatureRecord, 0, len(doc.Items))
	for _, r := range doc.Items {
		if filter.match(r) {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// =============================================================================
// Artifacts
// =============================================================================

// PutArtifact stores an artifact file under key.
func (s *Store) PutArtifact(key string, data []byte) error {
	if err := s.backend.Put(key, data, storage.ArtifactOptions()); err != nil {
		return fmt.Errorf("records: failed to store artifact %s: %w", key, err)
	}
	return nil
}

// OpenArtifact returns a reader over the artifact stored under key.
func (s *Store) OpenArtifact(key string) (io.ReadCloser, error) {
	data, err := s.backend.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("artifact", key)
		}
		return nil, fmt.Errorf("records: failed to read artifact %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteArtifact removes an artifact. Missing artifacts are ignored.
func (s *Store) DeleteArtifact(key string) error {
	if err := s.backend.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("records: failed to delete artifact %s: %w", key, err)
	}
	return nil
}

// PutSignerPEM replaces the stable signer certificate for keyID.
func (s *Store) PutSignerPEM(keyID string, pemBytes []byte) error {
	return s.PutArtifact(SignerKey(keyID), pemBytes)
}

// SignerPEM returns the latest signer certificate stored for keyID.
func (s *Store) SignerPEM(keyID string) ([]byte, error) {
	data, err := s.backend.Get(SignerKey(keyID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("signer certificate", keyID)
		}
		return nil, err
	}
	return data, nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats counts certificates by status and signatures.
func (s *Store) Stats() (*Stats, error) {
	certs, err := s.readCertificates()
	if err != nil {
		return nil, err
	}
	sigs, err := s.readSignatures()
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Certificates: map[string]int{StatusValid: 0, StatusRevoked: 0},
		Signatures:   len(sigs.Items),
	}
	for _, r := range certs.Certificates {
		st.Certificates[r.Status]++
	}
	return st, nil
}

// StatsByCollection flattens Stats for the metrics collector.
func (s *Store) StatsByCollection() (map[string]map[string]int, error) {
	st, err := s.Stats()
	if err != nil {
		return nil, err
	}
	return map[string]map[string]int{
		"certificates": st.Certificates,
		"signatures":   {"all": st.Signatures},
	}, nil
}

// =============================================================================
// Persistence
// =============================================================================

func (s *Store) readCertificates() (*certificateDocument, error) {
	s.mu.RLock()
	doc, err := s.loadCertificates(false)
	s.mu.RUnlock()
	if errors.Is(err, errNeedsRepair) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadCertificates(true)
	}
	return doc, err
}

func (s *Store) readSignatures() (*signatureDocument, error) {
	s.mu.RLock()
	doc, err := s.loadSignatures(false)
	s.mu.RUnlock()
	if errors.Is(err, errNeedsRepair) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadSignatures(true)
	}
	return doc, err
}

func (s *Store) loadCertificates(writable bool) (*certificateDocument, error) {
	doc := &certificateDocument{}
	if err := s.load(CertificatesDocument, doc, writable); err != nil {
		return nil, err
	}
	doc.Total = len(doc.Certificates)
	return doc, nil
}

func (s *Store) loadSignatures(writable bool) (*signatureDocument, error) {
	doc := &signatureDocument{}
	if err := s.load(SignaturesDocument, doc, writable); err != nil {
		return nil, err
	}
	doc.Total = len(doc.Items)
	return doc, nil
}

// load decodes the named document into v. A missing document is empty.
// writable means the caller holds the write lock and may repair.
func (s *Store) load(name string, v any, writable bool) error {
	data, err := s.backend.Get(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("records: failed to read %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decodeErr := json.Unmarshal(data, v)
	if decodeErr == nil {
		return nil
	}

	if !s.repair {
		return &types.OperationError{
			Op:         "load " + name,
			Kind:       types.ErrStoreCorruption,
			Reason:     decodeErr.Error(),
			Diagnostic: "enable repair_corrupt to back up the document and start empty",
		}
	}
	if !writable {
		return errNeedsRepair
	}

	backup := fmt.Sprintf("%s.corrupt-%d", name, s.now().Unix())
	if err := s.backend.Put(backup, data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("records: failed to back up corrupt %s: %w", name, err)
	}
	s.logger.Error(fmt.Errorf("%w: %s: %v", types.ErrStoreCorruption, name, decodeErr),
		"backup", backup)

	// zero v: a partial decode may have filled some fields
	switch doc := v.(type) {
	case *certificateDocument:
		*doc = certificateDocument{}
	case *signatureDocument:
		*doc = signatureDocument{}
	}
	return s.save(name, v)
}

func (s *Store) save(name string, v any) error {
	switch doc := v.(type) {
	case *certificateDocument:
		doc.Total = len(doc.Certificates)
		if doc.Certificates == nil {
			doc.Certificates = []*CertificateRecord{}
		}
	case *signatureDocument:
		doc.Total = len(doc.Items)
		if doc.Items == nil {
			doc.Items = []*SignatureRecord{}
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("records: failed to encode %s: %w", name, err)
	}
	if err := s.backend.Put(name, data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("records: failed to write %s: %w", name, err)
	}
	return nil
}

func notFound(kind, id string) error {
	return &types.OperationError{Kind: types.ErrNotFound, Reason: fmt.Sprintf("%s %s", kind, id)}
}
