// Package adapter implements the nine (source, target) version-pair
// translators of this design (C4), selected by New as an O(1) lookup
// rather than a chain of virtual calls, per the Design Notes.
package adapter

import (
	"net/url"
	"path"
	"strings"

	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
)

// New returns the adapter for translating from source to target. Same-
// version pairs return a pass-through adapter (zero-copy); all nine pairs
// of the 3x3 matrix are covered.
func New(source, target protocol.Version) protocol.Adapter {
	if source == target {
		return passThrough{}
	}
	return versionAdapter{source: source, target: target}
}

// passThrough is the identity adapter for same-version pairs.
type passThrough struct{}

func (passThrough) TranslateRequest(req protocol.JSON) (protocol.JSON, error) { return req, nil }
func (passThrough) TranslateResponse(_ string, resp protocol.JSON) (protocol.JSON, error) {
	return resp, nil
}
func (passThrough) TranslateNotification(n protocol.JSON) (protocol.JSON, error) { return n, nil }

// versionAdapter implements the eight cross-version pairs. Requests are
// always pass-through unchanged. Responses and notifications are inferred
// from message structure (response.result.tools / .contents / .content),
// since JSON-RPC responses carry no method field.
type versionAdapter struct {
	source, target protocol.Version
}

func (a versionAdapter) TranslateRequest(req protocol.JSON) (protocol.JSON, error) {
	return req, nil
}

func (a versionAdapter) TranslateResponse(_ string, resp protocol.JSON) (protocol.JSON, error) {
	result, ok := resp["result"].(protocol.JSON)
	if !ok {
		return resp, nil
	}

	downgradingFrom618 := a.source == protocol.V20250618 &&
		(a.target == protocol.V20241105 || a.target == protocol.V20250326)
	downgrading326To241105 := a.source == protocol.V20250326 && a.target == protocol.V20241105
	upgradingToV618 := (a.source == protocol.V20241105 || a.source == protocol.V20250326) &&
		a.target == protocol.V20250618

	if _, hasTools := result["tools"]; hasTools && downgradingFrom618 {
		a.stripToolsListFields(result)
	}
	if _, hasContents := result["contents"]; hasContents {
		if downgradingFrom618 {
			stripResourceNameTitle(result)
		} else if upgradingToV618 {
			deriveResourceName(result)
		}
	}
	if _, hasContent := result["content"]; hasContent {
		if downgradingFrom618 {
			stripStructuredContent(result)
			if a.target == protocol.V20241105 {
				convertAudioToText(result)
			}
		} else if downgrading326To241105 {
			convertAudioToText(result)
		}
	}

	return resp, nil
}

func (a versionAdapter) TranslateNotification(notif protocol.JSON) (protocol.JSON, error) {
	method, _ := notif["method"].(string)
	droppingForV1 := (a.source == protocol.V20250326 || a.source == protocol.V20250618) &&
		a.target == protocol.V20241105
	if droppingForV1 && method == "notifications/resources/updated" {
		return nil, perrors.NewProtocolUnsupportedNotificationError(
			"dropped "+method+" for target "+string(a.target), nil)
	}
	return notif, nil
}

// stripToolsListFields drops the 2025-06-18-only tool fields that earlier
// protocol versions don't understand. A non-empty title is lossy to drop
// silently, so it is logged at warning level; outputSchema is dropped
// without comment since it is purely additive.
func (a versionAdapter) stripToolsListFields(result protocol.JSON) {
	tools, _ := result["tools"].([]any)
	for _, t := range tools {
		tool, ok := t.(protocol.JSON)
		if !ok {
			continue
		}
		if title, _ := tool["title"].(string); title != "" {
			name, _ := tool["name"].(string)
			logger.With("tool", name, "source", string(a.source), "target", string(a.target)).
				Warnw("dropping tool title on protocol downgrade", "title", title)
		}
		delete(tool, "title")
		delete(tool, "outputSchema")
	}
}

func stripResourceNameTitle(result protocol.JSON) {
	contents, _ := result["contents"].([]any)
	for _, c := range contents {
		entry, ok := c.(protocol.JSON)
		if !ok {
			continue
		}
		delete(entry, "name")
		delete(entry, "title")
	}
}

func deriveResourceName(result protocol.JSON) {
	contents, _ := result["contents"].([]any)
	for _, c := range contents {
		entry, ok := c.(protocol.JSON)
		if !ok {
			continue
		}
		if _, has := entry["name"]; has {
			continue
		}
		uri, ok := entry["uri"].(string)
		if !ok {
			continue
		}
		entry["name"] = GenerateResourceName(uri)
	}
}

func stripStructuredContent(result protocol.JSON) {
	delete(result, "structuredContent")
}

func convertAudioToText(result protocol.JSON) {
	content, _ := result["content"].([]any)
	for i, c := range content {
		entry, ok := c.(protocol.JSON)
		if !ok {
			continue
		}
		if entry["type"] != "audio" {
			continue
		}
		mimeType, _ := entry["mimeType"].(string)
		if mimeType == "" {
			mimeType = "unknown"
		}
		content[i] = protocol.JSON{
			"type": "text",
			"text": "[Audio content: " + mimeType + "]",
		}
	}
}

// GenerateResourceName derives a resource's display name from its URI:
// the last path segment, URL-decoded.
func GenerateResourceName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	base := path.Base(u.Path)
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	if base == "" || base == "." || base == "/" {
		return uri
	}
	return strings.TrimSuffix(base, "/")
}
