package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/entities"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Generator ChapterGenerator
	Branches  BranchGenerator
	Hooks     HookTracker
	Entities  EntityConfirmer
}

// NewMCPServer creates an MCP server with the inkwell tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"inkwell",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inkwell drafts novel chapters with continuity checks, narrative hook tracking and entity confirmation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_chapter",
			mcp.WithDescription("Draft a chapter, run the continuity gate and commit the accepted draft."),
			mcp.WithString("chapter_id", mcp.Description("Chapter to draft"), mcp.Required()),
			mcp.WithString("agent_id", mcp.Description("Named agent preset to draft with")),
			mcp.WithString("outline", mcp.Description("Outline override for this draft")),
		),
		mcpGenerateChapter(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_branches",
			mcp.WithDescription("Draft several ranked alternatives for a chapter without committing any of them."),
			mcp.WithString("chapter_id", mcp.Description("Chapter to draft"), mcp.Required()),
			mcp.WithNumber("branch_count", mcp.Description("Number of alternatives, 1 to 8 (default 3)")),
			mcp.WithString("selected_version_id", mcp.Description("Branch or version to revise")),
			mcp.WithString("feedback", mcp.Description("Revision feedback for the selected branch")),
		),
		mcpGenerateBranches(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_entity",
			mcp.WithDescription("Confirm a pending character or organization so later chapters can be drafted."),
			mcp.WithString("entity_id", mcp.Description("Pending entity id"), mcp.Required()),
		),
		mcpConfirmEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("overdue_hooks",
			mcp.WithDescription("List narrative hooks that have stayed open past their reminder window."),
			mcp.WithString("novel_id", mcp.Description("Novel id"), mcp.Required()),
			mcp.WithNumber("current_chapter", mcp.Description("Chapter to measure from (default: latest written chapter)")),
		),
		mcpOverdueHooks(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inkwell://novels",
			"Novels",
			mcp.WithResourceDescription("All novels with their generation stage"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceNovels(deps),
	)

	return s
}

func mcpGenerateChapter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}
		opts := generation.Options{
			AgentID: req.GetString("agent_id", ""),
			Outline: req.GetString("outline", ""),
		}
		res, err := deps.Generator.GenerateChapter(ctx, chapterID, opts)
		if err != nil {
			return mcpDomainError(err), nil
		}
		return mcpJSON(res)
	}
}

func mcpGenerateBranches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}
		opts := branches.Options{
			BranchCount:       req.GetInt("branch_count", 0),
			SelectedVersionID: req.GetString("selected_version_id", ""),
			Feedback:          req.GetString("feedback", ""),
		}
		res, err := deps.Branches.GenerateBranches(ctx, chapterID, opts)
		if err != nil {
			return mcpDomainError(err), nil
		}
		return mcpJSON(res)
	}
}

func mcpConfirmEntity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("entity_id")
		if err != nil {
			return mcpError("entity_id is required"), nil
		}
		e, err := deps.Entities.Confirm(id)
		if err != nil {
			return mcpDomainError(err), nil
		}
		return mcpText(fmt.Sprintf("Confirmed %s %q", e.Kind, e.Name)), nil
	}
}

func mcpOverdueHooks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		novelID, err := req.RequireString("novel_id")
		if err != nil {
			return mcpError("novel_id is required"), nil
		}
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			return mcpDomainError(err), nil
		}
		current := req.GetInt("current_chapter", 0)
		if current <= 0 {
			if current, err = latestWrittenChapter(AppDeps{Store: deps.Store}, novelID); err != nil {
				return mcpError(fmt.Sprintf("listing chapters: %v", err)), nil
			}
		}
		overdue, err := deps.Hooks.OverdueHooks(novelID, current)
		if err != nil {
			return mcpError(fmt.Sprintf("overdue hooks failed: %v", err)), nil
		}
		if len(overdue) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(toOverdueViews(overdue))
	}
}

func mcpResourceNovels(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		novels, err := deps.Store.ListNovels()
		if err != nil {
			return nil, fmt.Errorf("failed to list novels: %w", err)
		}
		views := make([]novelView, len(novels))
		for i, n := range novels {
			views[i] = toNovelView(n)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal novels: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpDomainError turns a typed failure into a tool error the client can act on.
func mcpDomainError(err error) *mcp.CallToolResult {
	var (
		pre      *generation.PreconditionError
		rejected *generation.ContinuityRejectedError
		blocked  *entities.BlockedError
	)
	switch {
	case errors.As(err, &pre):
		return mcpError(fmt.Sprintf("precondition failed: %v", err))
	case errors.As(err, &blocked):
		return mcpError(fmt.Sprintf("blocked by unconfirmed entities: %v", blocked.Names()))
	case errors.As(err, &rejected):
		b, _ := json.Marshal(map[string]any{
			"error":   err.Error(),
			"score":   rejected.Assessment.Score,
			"issues":  rejected.Assessment.Issues,
			"verdict": rejected.Assessment.Verdict,
		})
		return mcpError(string(b))
	default:
		return mcpError(err.Error())
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
