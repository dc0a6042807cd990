//go:build ignore

// This file demonstrates every public API in the mason package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/mason"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// LoadConfig - tool configuration
	// =========================================================================
	cfg, err := mason.LoadConfig("") // empty = ~/.config/mason/config.yaml
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	_ = cfg.CacheDir   // where layers, pulled images and the index live
	_ = cfg.Platform   // default target architecture
	_ = cfg.Registries // per-registry mirror and insecure overrides
	_ = cfg.UpdateCheckEnabled()

	// =========================================================================
	// ParsePlan - parse without building
	// =========================================================================
	planText := []byte(`
ARG TAG=3.20
FROM alpine:$TAG
ENV APP_HOME=/srv/app
WORKDIR $APP_HOME
RUN apk add --no-cache ca-certificates
COPY app.conf /etc/app.conf
EXPOSE 8080/tcp
ENTRYPOINT ["/usr/bin/app"]
`)

	p, err := mason.ParsePlan(planText, map[string]string{"TAG": "3.21"})
	if err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	_ = p.Base.Ref      // "alpine:3.21" after ARG expansion
	_ = p.Base.Platform // from FROM --platform, empty here
	_ = p.Instructions  // ordered instructions with line numbers
	_ = p.MinVersion    // from a mason:min-version directive

	// NormalizeRef - bare names get the latest tag
	_ = mason.NormalizeRef("myapp") // "myapp:latest"

	// =========================================================================
	// NewBuilder - open the caches
	// =========================================================================
	builder, err := mason.NewBuilder(cfg, mason.BuilderOptions{
		Progress: true, // download progress bars
	})
	if err != nil {
		return fmt.Errorf("new builder: %w", err)
	}
	_ = builder.Config()

	// =========================================================================
	// Build - execute a plan
	// =========================================================================
	built, err := builder.Build(ctx, mason.BuildRequest{
		PlanPath:   "Masonfile",         // or Plan: planText for inline content
		ContextDir: ".",                 // COPY sources resolve against this
		BuildArgs:  map[string]string{}, // override ARG defaults
		Tags:       []string{"myapp:1.0"},
		NoCache:    false,
		Platform:   "linux/amd64",
	})
	if err != nil {
		// Errors identify the exact plan position that failed.
		var parseErr *mason.ParseError
		if errors.As(err, &parseErr) {
			fmt.Printf("syntax error at line %d: %s\n", parseErr.Line, parseErr.Message)
		}

		var unsupported *mason.UnsupportedError
		if errors.As(err, &unsupported) {
			fmt.Printf("plan uses %s, which is not supported\n", unsupported.Feature)
		}

		var instrErr *mason.InstructionError
		if errors.As(err, &instrErr) {
			_ = instrErr.Index    // zero-based instruction position
			_ = instrErr.Line     // plan source line
			_ = instrErr.Op       // "RUN", "COPY", ...
			_ = instrErr.Original // original source text
		}

		var traversal *mason.PathTraversalError
		if errors.As(err, &traversal) {
			fmt.Printf("COPY source %q escapes the context\n", traversal.Path)
		}

		return fmt.Errorf("build: %w", err)
	}

	// BuiltImage fields
	_ = built.CacheKey        // content-addressed key for the final state
	_ = built.Manifest.Layers // hashes of the layers each step produced
	_ = built.Config.Env      // merged base + plan configuration
	_ = built.Layers          // base layers first, then built layers
	_ = built.Base            // the resolved base image
	_ = built.Image()         // in-memory form exporters consume

	// =========================================================================
	// Pull - download without building
	// =========================================================================
	img, err := builder.Pull(ctx, "alpine:3.21", "arm64")
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	_ = img.Config.Architecture
	_ = img.Layers
	_ = img.Config.Command(nil) // entrypoint + cmd, with optional override

	// =========================================================================
	// Import / Export - docker-save tarballs
	// =========================================================================
	imported, repoTags, err := builder.Import("image.tar")
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	_ = imported
	_ = repoTags // tags recorded in the tarball's manifest

	var out bytes.Buffer
	if err := builder.Export("myapp:1.0", &out); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	// =========================================================================
	// Images / Inspect / ResolveImage / RemoveTag - the local index
	// =========================================================================
	summaries, err := builder.Images()
	if err != nil {
		return fmt.Errorf("images: %w", err)
	}
	for _, s := range summaries {
		_ = s.Ref          // "myapp:1.0"
		_ = s.CacheKey     // set for built images
		_ = s.BaseRef      // the plan's FROM reference
		_ = s.Architecture // "amd64", "arm64", ...
		_ = s.Created
		_ = s.Layers
	}

	inspect, err := builder.Inspect("myapp:1.0")
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	_ = inspect.Ref
	_ = inspect.Entry    // the raw index entry
	_ = inspect.Config   // recorded image configuration
	_ = inspect.Manifest // nil for imported images

	resolved, err := builder.ResolveImage("myapp:1.0")
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	_ = resolved.Layers // every layer located in the caches

	if err := builder.RemoveTag("myapp:1.0"); err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}

	// =========================================================================
	// Version
	// =========================================================================
	fmt.Println("mason", mason.Version)

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ *mason.Plan               // parsed build plan
		_ *mason.ParseError         // plan syntax error
		_ *mason.UnsupportedError   // deliberately rejected syntax
		_ *mason.InstructionError   // build failure with plan position
		_ *mason.PathTraversalError // COPY source escaping the context
		_ *mason.Image              // image materialized on disk
		_ *mason.ImageConfig        // runtime configuration
		_ *mason.BuiltImage         // build outcome
		_ *mason.BuildManifest      // cache key to layer mapping
		_ *mason.IndexEntry         // one tagged image in the index
		_ *mason.Config             // tool configuration
		_ *mason.Builder            // the build engine
		_ mason.BuildRequest        // one build invocation
		_ mason.BuilderOptions      // builder configuration
		_ mason.ImageSummary        // images listing row
		_ mason.InspectResult       // inspect output
	)

	return nil
}
