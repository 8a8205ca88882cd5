package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/LettoKarvat/RCAFORM/internal/config"
	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/mirror"
)

// jsonbinIDKey is the mirror key remembering the bin created on first write.
const jsonbinIDKey = "rca_jsonbin_id"

// openBackend builds the backend selected by cfg. The returned closer releases
// connections and flushes pending pushes; it is never nil.
func openBackend(ctx context.Context, cfg *config.Config, m *mirror.Mirror) (backend.Backend, io.Closer, error) {
	b := &cfg.Backend
	col := &cfg.Collection
	codec := func(name string) (backend.Codec, error) {
		return backend.CodecFor(col.Format, name)
	}
	dir := b.Path
	if dir == "" {
		dir = cfg.DataDir
	}
	switch b.Kind {
	case config.KindMemory:
		return &backend.Memory{}, nopCloser{}, nil
	case config.KindFile:
		c, err := codec(col.Path)
		if err != nil {
			return nil, nil, err
		}
		f, err := backend.NewFile(filepath.Join(dir, col.Path), c)
		if err != nil {
			return nil, nil, err
		}
		return f, nopCloser{}, nil
	case config.KindGit:
		c, err := codec(col.Path)
		if err != nil {
			return nil, nil, err
		}
		if b.Path == "" {
			dir = filepath.Join(cfg.DataDir, "repo")
		}
		g, err := backend.NewGit(backend.GitOptions{
			Dir:         dir,
			Path:        col.Path,
			Codec:       c,
			AuthorName:  b.AuthorName,
			AuthorEmail: b.AuthorEmail,
			RemoteURL:   b.Remote,
			Token:       b.Token,
			Branch:      b.Branch,
			PushDelay:   b.PushDelay,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, gitCloser{g}, nil
	case config.KindGitHub:
		c, err := codec(col.Path)
		if err != nil {
			return nil, nil, err
		}
		g, err := backend.NewGitHub(backend.GitHubOptions{
			Owner:          b.Owner,
			Repo:           b.Repo,
			Path:           col.Path,
			Branch:         b.Branch,
			Token:          b.Token,
			Codec:          c,
			BaseURL:        b.BaseURL,
			CommitterName:  b.AuthorName,
			CommitterEmail: b.AuthorEmail,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, nopCloser{}, nil
	case config.KindBlob:
		c, err := codec(b.URL)
		if err != nil {
			return nil, nil, err
		}
		bl, err := backend.NewBlob(backend.BlobOptions{URL: b.URL, Token: b.Token, Codec: c})
		if err != nil {
			return nil, nil, err
		}
		return bl, nopCloser{}, nil
	case config.KindJSONBin:
		opts := backend.JSONBinOptions{
			MasterKey: b.MasterKey,
			AccessKey: b.AccessKey,
			BinID:     b.BinID,
			BaseURL:   b.BaseURL,
			Name:      col.Name,
		}
		if m != nil {
			opts.IDs = m.Slot(jsonbinIDKey)
		} else if b.BinID == "" {
			slog.WarnContext(ctx, "jsonbin without bin_id nor mirror, a new bin is created after every restart")
		}
		j, err := backend.NewJSONBin(opts)
		if err != nil {
			return nil, nil, err
		}
		return j, nopCloser{}, nil
	case config.KindRedis:
		client, err := backend.OpenRedis(ctx, b.URL)
		if err != nil {
			return nil, nil, err
		}
		return backend.NewRedis(client, "rcaform:"+col.Name), client, nil
	case config.KindSQLite, config.KindPostgres:
		dialect, dsn := backend.Postgres, b.DSN
		if b.Kind == config.KindSQLite {
			dialect = backend.SQLite
			if dsn == "" {
				dsn = b.Path
			}
			if dsn == "" {
				dsn = filepath.Join(cfg.DataDir, "rcaform.db")
			}
		}
		db, err := backend.OpenSQL(ctx, dialect, dsn)
		if err != nil {
			return nil, nil, err
		}
		return backend.NewSQL(db, dialect, col.Name), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", b.Kind)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// gitCloser pushes once more on shutdown so the last commits are not left
// waiting for the debounce timer.
type gitCloser struct {
	g *backend.Git
}

func (c gitCloser) Close() error {
	err := c.g.Close()
	if c.g.HasRemote() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		err = errors.Join(err, c.g.Push(ctx))
	}
	return err
}
