package explain

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey       string
	Model        string
	PollInterval time.Duration
}

// Gemini talks to the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
	poll   time.Duration
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Gemini{client: client, model: cfg.Model, poll: cfg.PollInterval}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Upload sends audio and video files to the Files API and waits until they are ACTIVE.
// Other media types are not attached.
func (g *Gemini) Upload(ctx context.Context, path string) (*RemoteFile, error) {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if !strings.HasPrefix(mt, "video/") && !strings.HasPrefix(mt, "audio/") {
		return nil, nil
	}
	f, err := g.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mt})
	if err != nil {
		return nil, err
	}

	for f.State == genai.FileStateProcessing {
		t := time.NewTimer(g.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			g.releaseQuietly(f.Name)
			return nil, ctx.Err()
		case <-t.C:
		}
		if f, err = g.client.Files.Get(ctx, f.Name, nil); err != nil {
			return nil, err
		}
	}
	if f.State != genai.FileStateActive {
		g.releaseQuietly(f.Name)
		return nil, fmt.Errorf("gemini: file %s ended in state %s", f.Name, f.State)
	}
	return &RemoteFile{Name: f.Name, URI: f.URI, MIMEType: f.MIMEType}, nil
}

func (g *Gemini) releaseQuietly(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = g.client.Files.Delete(ctx, name, nil)
}

func (g *Gemini) Generate(ctx context.Context, prompt string, file *RemoteFile) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if file != nil {
		parts = append(parts, genai.NewPartFromURI(file.URI, file.MIMEType))
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (g *Gemini) Release(ctx context.Context, file *RemoteFile) error {
	if file == nil {
		return nil
	}
	_, err := g.client.Files.Delete(ctx, file.Name, nil)
	return err
}

// apiErrorCode extracts the HTTP status of a genai API failure.
func apiErrorCode(err error) (int, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, true
	}
	return 0, false
}
