package ingest

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"

	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/normalize"
)

// BulkConnector downloads an archive or export and hands it to the BulkParser.
type BulkConnector struct {
	fetcher Fetcher
	parser  *BulkParser
}

// NewBulkConnector wires a fetcher to a parser.
func NewBulkConnector(f Fetcher, p *BulkParser) *BulkConnector {
	return &BulkConnector{fetcher: f, parser: p}
}

// Fetch implements Connector.
func (b *BulkConnector) Fetch(ctx context.Context, src SourceConfig) ([]normalize.Input, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("source %s: no download url configured", src.ID)
	}
	resp, err := Get(ctx, b.fetcher, src.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: download: %w", src.ID, err)
	}
	return b.parser.Parse(resp.Body, formatHint(src, resp), src.ID, src.Mapping, src.MaxNotices)
}

// formatHint prefers the profile's explicit hint, then the URL file name, then
// the response media type.
func formatHint(src SourceConfig, resp *Response) string {
	if src.FormatHint != "" {
		return src.FormatHint
	}
	if u, err := url.Parse(resp.URL); err == nil {
		if base := path.Base(u.Path); path.Ext(base) != "" {
			return base
		}
	}
	if mt, _, err := mime.ParseMediaType(resp.ContentType); err == nil {
		return mt
	}
	return ""
}

// ConnectorFactory maps integration types to connectors.
type ConnectorFactory struct {
	connectors map[models.IntegrationType]Connector
}

// NewConnectorFactory returns an empty factory.
func NewConnectorFactory() *ConnectorFactory {
	return &ConnectorFactory{connectors: make(map[models.IntegrationType]Connector)}
}

// Register binds a connector to an integration type.
func (f *ConnectorFactory) Register(t models.IntegrationType, c Connector) {
	f.connectors[t] = c
}

// Get returns the connector for t.
func (f *ConnectorFactory) Get(t models.IntegrationType) (Connector, error) {
	c, ok := f.connectors[t]
	if !ok {
		return nil, fmt.Errorf("no connector for integration type %q", t)
	}
	return c, nil
}

// NewDefaultFactory registers the API connector, the bulk connector for all
// three bulk types and the selector scraper.
func NewDefaultFactory(api *APIConnector, bulk *BulkConnector, scraper *SelectorScraper) *ConnectorFactory {
	f := NewConnectorFactory()
	f.Register(models.IntegrationCoreAPI, api)
	f.Register(models.IntegrationXMLBulk, bulk)
	f.Register(models.IntegrationJSONBulk, bulk)
	f.Register(models.IntegrationCSVBulk, bulk)
	f.Register(models.IntegrationHTMLScrape, scraper)
	return f
}
