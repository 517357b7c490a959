// Package distribution implements the agent retrieval pipeline: resolve a name and version
// selector to a published version, obtain a signed transfer URL for it, fetch the bytes,
// verify them against the published digest, and unpack them safely.
//
// The server runs the first two stages (Resolver, Broker) behind the download endpoint and
// hands the client a Descriptor. The client runs the rest (Fetcher, VerifyChecksum,
// Extractor). Puller chains all of them over a Locator so the whole pipeline can run
// in-process or against a remote registry.
package distribution

import (
	"context"
	"log/slog"
	"time"
)

// Descriptor is everything a client needs to fetch and check one agent version.
type Descriptor struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Checksum    string    `json:"checksum"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Size        int64     `json:"size"`
}

// Locator resolves a selector to a Descriptor with a fresh signed URL.
type Locator interface {
	Locate(ctx context.Context, name string, sel Selector) (*Descriptor, error)
}

// StoreLocator is the in-process Locator: Resolver then Broker.
type StoreLocator struct {
	Resolver *Resolver
	Broker   *Broker
}

// NewStoreLocator creates a StoreLocator.
func NewStoreLocator(resolver *Resolver, broker *Broker) *StoreLocator {
	return &StoreLocator{Resolver: resolver, Broker: broker}
}

// Locate implements Locator.
func (l *StoreLocator) Locate(ctx context.Context, name string, sel Selector) (*Descriptor, error) {
	v, err := l.Resolver.Resolve(ctx, name, sel)
	if err != nil {
		return nil, err
	}
	signed, err := l.Broker.Sign(ctx, v.StoragePath)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Name:        v.Name,
		Version:     v.Version,
		Checksum:    v.Checksum,
		DownloadURL: signed.URL,
		ExpiresAt:   signed.ExpiresAt,
		Size:        v.SizeBytes,
	}, nil
}

// PullResult describes a completed pull.
type PullResult struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Checksum string   `json:"checksum"`
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
}

// Puller runs the full pipeline: locate, fetch, verify, extract.
type Puller struct {
	locator   Locator
	fetcher   *Fetcher
	extractor *Extractor
}

// NewPuller creates a Puller.
func NewPuller(locator Locator, fetcher *Fetcher, extractor *Extractor) *Puller {
	return &Puller{locator: locator, fetcher: fetcher, extractor: extractor}
}

// Pull downloads the selected version of name into targetDir. Nothing is written unless the
// artifact matched its published checksum.
func (p *Puller) Pull(ctx context.Context, name string, sel Selector, targetDir string, overwrite bool) (*PullResult, error) {
	desc, err := p.locator.Locate(ctx, name, sel)
	if err != nil {
		return nil, err
	}
	slog.Debug("resolved agent", "name", desc.Name, "version", desc.Version, "size", desc.Size)

	data, err := p.fetcher.Fetch(ctx, desc.DownloadURL)
	if err != nil {
		return nil, err
	}

	if err := VerifyChecksum(data, desc.Checksum); err != nil {
		return nil, err
	}

	files, err := p.extractor.Extract(data, targetDir, overwrite)
	if err != nil {
		return nil, err
	}

	return &PullResult{
		Name:     desc.Name,
		Version:  desc.Version,
		Checksum: desc.Checksum,
		Dir:      targetDir,
		Files:    files,
	}, nil
}
