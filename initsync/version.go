package initsync

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/shrtyk/initial-sync/api"
)

const versionDocumentID = "featureCompatibilityVersion"

// checkVersion refuses sync sources whose feature compatibility version is
// outside the supported range or in the middle of an upgrade or downgrade.
func (s *InitialSyncer) checkVersion(a *attempt) (stage, error) {
	cmd := api.NewCommand("admin", "find", "system.version", api.Document{
		"filter": api.Document{"_id": versionDocumentID},
	})
	reply, err := s.runRetriable(a, cmd, s.cfg.Limits.VersionFetcherMaxAttempts)
	if err != nil {
		return stageDone, fmt.Errorf("failed to fetch feature compatibility version: %w", err)
	}
	cur, err := api.ParseCursorReply(reply)
	if err != nil {
		return stageDone, fmt.Errorf("failed to fetch feature compatibility version: %w", err)
	}

	version, err := validateVersionDocuments(cur.Batch, s.versions)
	if err != nil {
		return stageDone, err
	}
	a.logger.Info("sync source feature compatibility version is compatible", "version", version)
	return stageCloneAndFetch, nil
}

func validateVersionDocuments(docs []api.Document, supported *semver.Constraints) (string, error) {
	switch {
	case len(docs) == 0:
		return "", fmt.Errorf("%w: sync source has no feature compatibility version document",
			api.ErrIncompatibleServerVersion)
	case len(docs) > 1:
		return "", fmt.Errorf("%w: expected one feature compatibility version document, got %d",
			api.ErrTooManyMatchingDocuments, len(docs))
	}

	doc := docs[0]
	if !doc.Has("version") {
		return "", fmt.Errorf("%w: feature compatibility version document has no version field: %v",
			api.ErrBadValue, doc)
	}
	raw, err := doc.String("version")
	if err != nil {
		return "", fmt.Errorf("%w: %w", api.ErrBadValue, err)
	}
	if doc.Has("targetVersion") {
		target, _ := doc.String("targetVersion")
		return "", fmt.Errorf("%w: sync source is changing feature compatibility version from %s to %s",
			api.ErrIncompatibleServerVersion, raw, target)
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unparsable feature compatibility version %q: %w", api.ErrBadValue, raw, err)
	}
	if !supported.Check(v) {
		return "", fmt.Errorf("%w: feature compatibility version %s is not in %s",
			api.ErrIncompatibleServerVersion, raw, supported)
	}
	return raw, nil
}
