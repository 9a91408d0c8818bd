// Package wot fetches and parses a W3C Web-of-Things Thing Description and
// derives the ThingConfig used to enrich records from the source it
// describes (spec §4.3). JSON-LD's namespaced keys (qudt:unit and similar)
// make a typed struct brittle, so parsing walks the raw document with
// tidwall/gjson the way the rest of the pack reaches for gjson over
// encoding/json when the schema is open-ended rather than fixed.
package wot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/types"
)

const (
	maxTDBytes = 1 << 20 // 1 MiB: a Thing Description is a small JSON-LD document
	fetchTimeout = 10 * time.Second
)

// Fetch retrieves a Thing Description over HTTPS, bounded in both time and
// size so a misbehaving or malicious device endpoint can't stall or
// exhaust the connector.
func Fetch(ctx context.Context, tdURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tdURL, nil)
	if err != nil {
		return nil, errs.Config("invalid thing description url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errs.Transport("fetch thing description", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Transport(fmt.Sprintf("thing description fetch returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTDBytes+1))
	if err != nil {
		return nil, errs.Transport("read thing description body", err)
	}
	if len(body) > maxTDBytes {
		return nil, errs.Schema(fmt.Sprintf("thing description exceeds %d bytes", maxTDBytes), nil)
	}
	if !gjson.ValidBytes(body) {
		return nil, errs.Schema("thing description is not valid json", nil)
	}
	return body, nil
}

// Parse extracts the fields SPEC_FULL.md's ThingConfig needs from a raw
// Thing Description document: the thing's id/title, the protocol implied
// by its base URI scheme, property names, and any semantic annotations
// (qudt:unit, and the unit/type keys the "schema" JSON-LD context uses).
func Parse(doc []byte) (*types.ThingConfig, error) {
	root := gjson.ParseBytes(doc)
	if !root.Exists() {
		return nil, errs.Schema("thing description has no top-level object", nil)
	}

	base := root.Get("base").String()
	protocolKind, err := protocolFromBase(base)
	if err != nil {
		return nil, err
	}

	var rawTD map[string]any
	if err := json.Unmarshal(doc, &rawTD); err != nil {
		return nil, errs.Schema("thing description failed to decode", err)
	}

	cfg := &types.ThingConfig{
		ThingID:      firstNonEmpty(root.Get("id").String(), root.Get("title").String()),
		Title:        root.Get("title").String(),
		Endpoint:     base,
		ProtocolKind: protocolKind,
		SemanticType: map[string]string{},
		UnitURI:      map[string]string{},
		RawTD:        rawTD,
	}

	properties := root.Get("properties")
	properties.ForEach(func(key, prop gjson.Result) bool {
		name := key.String()
		cfg.Properties = append(cfg.Properties, name)

		if t := prop.Get("type"); t.Exists() {
			cfg.SemanticType[name] = t.String()
		}
		if t := prop.Get("@type"); t.Exists() {
			cfg.SemanticType[name] = t.String()
		}
		if u := prop.Get("unit"); u.Exists() {
			cfg.UnitURI[name] = u.String()
		}
		if u := prop.Get("qudt:unit"); u.Exists() {
			cfg.UnitURI[name] = u.String()
		}
		return true
	})

	return cfg, nil
}

// protocolFromBase maps a Thing Description's base URI scheme to the
// protocol the connector should use to poll the device it describes.
func protocolFromBase(base string) (types.ProtocolKind, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return "", errs.Schema(fmt.Sprintf("thing description base %q has no recognizable scheme", base), err)
	}
	switch strings.ToLower(u.Scheme) {
	case "opc.tcp":
		return types.ProtocolOPCUA, nil
	case "mqtt", "mqtts":
		return types.ProtocolMQTT, nil
	case "modbus", "modbus+tcp":
		return types.ProtocolModbus, nil
	default:
		return "", errs.Schema(fmt.Sprintf("thing description base scheme %q maps to no supported protocol", u.Scheme), nil)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SourceFromThingConfig derives a Source skeleton from a parsed Thing
// Description, for the add_source_from_td management operation (spec §6).
// Protocol-specific options (node IDs, topics, registers) are still the
// operator's to supply; a Thing Description names properties, not wire
// addressing for OPC-UA/Modbus.
func SourceFromThingConfig(name string, cfg *types.ThingConfig) types.Source {
	return types.Source{
		Name:             name,
		Protocol:         cfg.ProtocolKind,
		ThingDescription: cfg.Endpoint,
		Endpoint:         cfg.Endpoint,
		Enabled:          true,
		Thing:            cfg,
	}
}

// Decorate wraps an OnRecord callback so that every record it forwards
// carries the thing_id/thing_title/semantic_type/unit_uri fields the
// Thing Description supplies for the record's property (spec §4.3's
// create_client_from_td operation). Properties the TD never named are
// passed through with empty semantic_type/unit_uri rather than dropped —
// a device can expose more signals than its TD documents.
func Decorate(cfg *types.ThingConfig, next protocol.OnRecord) protocol.OnRecord {
	if cfg == nil {
		return next
	}
	return func(rec *types.ProtocolRecord) {
		next(rec.WithWoT(cfg.ThingID, cfg.Title, cfg.SemanticType[rec.TopicOrPath], cfg.UnitURI[rec.TopicOrPath]))
	}
}
