package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/internal/runtime"
	"github.com/lexcodex/promptloop/persistence"
)

func newEmbedCmd() *cobra.Command {
	var (
		query     string
		limit     int
		texts     []string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "embed [files...]",
		Short: "Embed files, texts or a stored session and rank them against a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, runtime.WithoutConnector())
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			docs, err := collectDocuments(afero.NewOsFs(), rt.Config.Workspace, args, texts)
			if err != nil {
				return err
			}
			if sessionID != "" {
				history, err := rt.Store.Load(ctx, sessionID)
				if err != nil {
					return err
				}
				docs = append(docs, sessionDocuments(sessionID, history)...)
			}
			if len(docs) == 0 {
				return errors.New("nothing to embed: pass files, --text or --session")
			}

			embedder, err := rt.Embedder()
			if err != nil {
				return err
			}
			store := persistence.NewVectorStore(embedder)
			if err := store.Upsert(ctx, docs...); err != nil {
				return err
			}
			if query == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "embedded %d documents\n", store.Len())
				return nil
			}
			results, err := store.Query(ctx, query, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, res := range results {
				fmt.Fprintf(out, "%s  %s  %s\n", successStyle.Render(fmt.Sprintf("%.4f", res.Score)), res.Document.ID, dimStyle.Render(clipLine(res.Document.Content)))
			}
			if len(results) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no similar documents"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Rank documents by similarity to this text")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum results")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "Inline text document (repeatable)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Index the entries of a stored session")
	return cmd
}

// collectDocuments reads files relative to workspace and wraps inline texts.
func collectDocuments(fsys afero.Fs, workspace string, files, texts []string) ([]persistence.Document, error) {
	docs := make([]persistence.Document, 0, len(files)+len(texts))
	for _, name := range files {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, persistence.Document{
			ID:       name,
			Content:  string(data),
			Metadata: map[string]interface{}{"path": path},
		})
	}
	for i, text := range texts {
		docs = append(docs, persistence.Document{ID: "text-" + strconv.Itoa(i+1), Content: text})
	}
	return docs, nil
}

// sessionDocuments turns user and assistant turns with text into documents.
func sessionDocuments(sessionID string, history framework.Chatlog) []persistence.Document {
	var docs []persistence.Document
	for i, entry := range history {
		if entry.Role != framework.RoleUser && entry.Role != framework.RoleAssistant {
			continue
		}
		text := entry.Content.String()
		if text == "" {
			continue
		}
		docs = append(docs, persistence.Document{
			ID:        fmt.Sprintf("%s#%d", sessionID, i),
			SessionID: sessionID,
			Content:   text,
			Metadata:  map[string]interface{}{"role": string(entry.Role)},
		})
	}
	return docs
}
