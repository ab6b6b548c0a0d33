package projection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
)

// ChannelSender posts a text message or a document (image) to the external
// channel bound to a session, if one is bound; this entry point's own
// noOpChannelBinding reports every session as unbound and prints locally
// instead.
type ChannelSender interface {
	SendText(ctx context.Context, sessionID, text string) error
	SendDocument(ctx context.Context, sessionID string, data []byte, contentType, filename string) error
}

// SessionChannelBinding reports whether a session is bound to an external
// channel, and which one.
type SessionChannelBinding interface {
	ChannelFor(sessionID string) (ChannelSender, bool)
}

const (
	maxImageBytes      = 50 * 1024 * 1024
	maxForwardedImages = 3
)

var allowedImageHosts = map[string]bool{
	"images.example-cdn.com": true,
	"cdn.discordapp.com":     true,
	"api.telegram.org":       true,
}

var imageURLPattern = regexp.MustCompile(`https://\S+\.(?:png|jpe?g|gif|webp)\b`)

// ExternalOutputProjection is the External Output Projection of spec §4.7:
// reacts to wf.completed for sessions bound to an external channel, sends
// the text, then detects/forwards allow-listed images.
type ExternalOutputProjection struct {
	bindings SessionChannelBinding
	client   *http.Client

	mu   sync.Mutex
	seen map[string]map[string]bool // sessionID -> url -> forwarded
}

func NewExternalOutputProjection(bindings SessionChannelBinding) *ExternalOutputProjection {
	return &ExternalOutputProjection{
		bindings: bindings,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // "redirect:manual"
			},
		},
		seen: make(map[string]map[string]bool),
	}
}

func (p *ExternalOutputProjection) Name() string { return "external_output" }

func (p *ExternalOutputProjection) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error {
	if env.EventType != eventbus.EventCompleted {
		return nil
	}
	sender, bound := p.bindings.ChannelFor(env.SessionID)
	if !bound {
		return nil
	}
	payload, _ := env.Payload.(map[string]interface{})
	text, _ := payload["answer"].(string)
	if text == "" {
		return nil
	}
	if err := sender.SendText(ctx, env.SessionID, text); err != nil {
		return fmt.Errorf("external output: send text: %w", err)
	}

	urls := dedupeURLs(env.SessionID, p, imageURLPattern.FindAllString(text, -1))
	forwarded := 0
	for _, raw := range urls {
		if forwarded >= maxForwardedImages {
			break
		}
		if !p.allowListed(raw) {
			continue
		}
		data, contentType, err := p.fetchImage(ctx, raw)
		if err != nil {
			continue
		}
		if err := sender.SendDocument(ctx, env.SessionID, data, contentType, "image"); err == nil {
			forwarded++
		}
	}
	return nil
}

func dedupeURLs(sessionID string, p *ExternalOutputProjection, urls []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seenForSession, ok := p.seen[sessionID]
	if !ok {
		seenForSession = make(map[string]bool)
		p.seen[sessionID] = seenForSession
	}
	var out []string
	for _, u := range urls {
		if seenForSession[u] {
			continue
		}
		seenForSession[u] = true
		out = append(out, u)
	}
	return out
}

func (p *ExternalOutputProjection) allowListed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return false
	}
	return allowedImageHosts[strings.ToLower(u.Hostname())]
}

// fetchImage HEADs then GETs rawURL with manual-redirect, verifying
// Content-Type starts with image/ and size <= 50MB (spec §4.7); larger images
// are rejected with an error. Every image disintegration/imaging can decode is
// re-encoded to JPEG before being handed back; anything else is returned as
// fetched, with its original content type.
func (p *ExternalOutputProjection) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	headResp, err := p.client.Do(headReq)
	if err != nil {
		return nil, "", err
	}
	headResp.Body.Close()
	if headResp.StatusCode >= 300 && headResp.StatusCode < 400 {
		return nil, "", fmt.Errorf("external output: redirect not followed for %s", rawURL)
	}
	contentType := headResp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("external output: not an image content-type: %s", contentType)
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	getResp, err := p.client.Do(getReq)
	if err != nil {
		return nil, "", err
	}
	defer getResp.Body.Close()

	limited := io.LimitReader(getResp.Body, maxImageBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("external output: image exceeds %d bytes", maxImageBytes)
	}

	if img, decodeErr := imaging.Decode(bytes.NewReader(data)); decodeErr == nil {
		var buf bytes.Buffer
		if encErr := imaging.Encode(&buf, normalizeOrientation(img), imaging.JPEG); encErr == nil {
			return buf.Bytes(), "image/jpeg", nil
		}
	}
	return data, contentType, nil
}

func normalizeOrientation(img image.Image) image.Image {
	return imaging.Clone(img)
}

var _ eventbus.Projection = (*ExternalOutputProjection)(nil)
