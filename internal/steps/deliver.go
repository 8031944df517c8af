package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reportflow/reportflow/internal/artifacts"
	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/internal/secrets"
	"github.com/reportflow/reportflow/pkg/schema"
)

// secretScheme prefixes option values resolved through the vault.
const secretScheme = "secret://"

// Destination describes where an artifact goes. Kind selects the deliverer;
// the rest is deliverer-specific.
type Destination struct {
	Kind    string            `json:"kind"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

// Deliverer pushes the finished artifact to its destination. Delivery must
// be idempotent per run: the engine may re-invoke it after a crash.
type Deliverer interface {
	Deliver(ctx context.Context, dest Destination, artifact *schema.Artifact) error
}

// deliverParams configure the deliver step.
type deliverParams struct {
	Destination Destination `json:"destination"`
}

// DeliverStep fetches the generated artifact from the object store and hands
// it to the destination's deliverer. Delivery errors are retryable.
type DeliverStep struct {
	deliverers map[string]Deliverer
	artifacts  artifacts.ObjectStore
	vault      secrets.Vault
}

func (s *DeliverStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params deliverParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}
	if params.Destination.Kind == "" {
		return engine.Fatal("deliver params must name a destination kind", nil)
	}

	deliverer, ok := s.deliverers[params.Destination.Kind]
	if !ok {
		return engine.Fatal(fmt.Sprintf("unknown destination kind %q", params.Destination.Kind), nil)
	}

	dest, err := s.resolveSecrets(ctx, params.Destination)
	if err != nil {
		return engine.Fatal(err.Error(), err)
	}

	artifact, err := s.artifacts.Get(ctx, sc.RunID, schema.StepGenerateArtifacts)
	if err != nil {
		return engine.Fatal("no artifact to deliver; did generate_artifacts run?", err)
	}

	if err := deliverer.Deliver(ctx, dest, artifact); err != nil {
		return engine.Retryable(fmt.Sprintf("delivery to %s failed: %s", params.Destination.Kind, err.Error()), err)
	}

	sc.Logger.InfoContext(ctx, "artifact delivered",
		"kind", params.Destination.Kind, "target", params.Destination.Target, "artifact", artifact.Name)
	return engine.Succeed(map[string]any{
		"delivered": artifact.Name,
		"kind":      params.Destination.Kind,
		"target":    params.Destination.Target,
	})
}

// resolveSecrets replaces secret:// option values with vault plaintext. The
// resolved destination lives only for this attempt; nothing decrypted is
// persisted or logged.
func (s *DeliverStep) resolveSecrets(ctx context.Context, dest Destination) (Destination, error) {
	var resolved map[string]string
	for name, value := range dest.Options {
		key, ok := strings.CutPrefix(value, secretScheme)
		if !ok {
			continue
		}
		if s.vault == nil {
			return dest, fmt.Errorf("option %q references secret %q but no vault is configured", name, key)
		}
		plaintext, err := s.vault.Resolve(ctx, key)
		if err != nil {
			return dest, fmt.Errorf("resolve secret %q for option %q: %w", key, name, err)
		}
		if resolved == nil {
			resolved = make(map[string]string, len(dest.Options))
			for k, v := range dest.Options {
				resolved[k] = v
			}
		}
		resolved[name] = string(plaintext)
	}
	if resolved != nil {
		dest.Options = resolved
	}
	return dest, nil
}

// FSDeliverer drops artifacts into a local directory. Target is resolved
// relative to the deliverer's root; writes go through a temp file + rename
// so consumers never see partial files.
type FSDeliverer struct {
	Root string
}

func (d *FSDeliverer) Deliver(ctx context.Context, dest Destination, artifact *schema.Artifact) error {
	dir := filepath.Join(d.Root, dest.Target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".reportflow-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(artifact.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, artifact.Name))
}
