package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/config"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/manuscript"
)

type queued struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// --- novel ---

type novelOut struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Stage string `json:"stage"`
}

var novelCmd = &cobra.Command{
	Use:   "novel",
	Short: "Create and inspect novels",
}

var novelCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a novel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/novels", map[string]string{"title": args[0], "stage": stage})
		if err != nil {
			return err
		}
		var n novelOut
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Created novel %s (%s)", n.ID, n.Stage)
		return nil
	},
}

var novelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List novels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/novels")
		if err != nil {
			return err
		}
		var novels []novelOut
		if err := decodeJSON(resp, &novels); err != nil {
			return err
		}
		if len(novels) == 0 {
			fmt.Println("No novels.")
			return nil
		}
		for _, n := range novels {
			fmt.Printf("  %s  %-10s %s\n", colorize(colorCyan, n.ID), n.Stage, n.Title)
		}
		return nil
	},
}

var novelShowCmd = &cobra.Command{
	Use:   "show <novel-id>",
	Short: "Show a novel as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showJSON(cmd, "/novels/"+url.PathEscape(args[0]))
	},
}

var novelStageCmd = &cobra.Command{
	Use:   "stage <novel-id> <stage>",
	Short: "Advance a novel to a later stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return advanceStage(cmd, "/novels/", args[0], args[1])
	},
}

func init() {
	novelCreateCmd.Flags().String("stage", "", "initial stage (default: seeded)")
	novelCmd.AddCommand(novelCreateCmd, novelListCmd, novelShowCmd, novelStageCmd)
}

// --- chapter ---

type chapterOut struct {
	ID            string `json:"id"`
	Order         int    `json:"order"`
	Title         string `json:"title"`
	Stage         string `json:"stage"`
	PendingReview bool   `json:"pending_review"`
	WordCount     int    `json:"word_count"`
}

var chapterCmd = &cobra.Command{
	Use:   "chapter",
	Short: "Create and inspect chapters",
}

var chapterAddCmd = &cobra.Command{
	Use:   "add <novel-id> <order>",
	Short: "Add a chapter to a novel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var order int
		if _, err := fmt.Sscanf(args[1], "%d", &order); err != nil || order < 1 {
			return fmt.Errorf("order must be a positive integer, got %q", args[1])
		}
		title, _ := cmd.Flags().GetString("title")
		outline, _ := cmd.Flags().GetString("outline")
		outlineFile, _ := cmd.Flags().GetString("outline-file")
		if outlineFile != "" {
			data, err := os.ReadFile(outlineFile)
			if err != nil {
				return fmt.Errorf("reading outline: %w", err)
			}
			outline = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/novels/"+url.PathEscape(args[0])+"/chapters", map[string]any{
			"order":   order,
			"title":   title,
			"outline": outline,
		})
		if err != nil {
			return err
		}
		var ch chapterOut
		if err := decodeJSON(resp, &ch); err != nil {
			return err
		}
		printSuccess("Added chapter %d (%s)", ch.Order, ch.ID)
		return nil
	},
}

var chapterListCmd = &cobra.Command{
	Use:   "list <novel-id>",
	Short: "List a novel's chapters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/novels/"+url.PathEscape(args[0])+"/chapters")
		if err != nil {
			return err
		}
		var chapters []chapterOut
		if err := decodeJSON(resp, &chapters); err != nil {
			return err
		}
		if len(chapters) == 0 {
			fmt.Println("No chapters.")
			return nil
		}
		for _, ch := range chapters {
			review := ""
			if ch.PendingReview {
				review = colorize(colorYellow, " (pending review)")
			}
			fmt.Printf("  %3d  %-10s %6d words  %s  %s%s\n", ch.Order, ch.Stage, ch.WordCount, colorize(colorCyan, ch.ID), ch.Title, review)
		}
		return nil
	},
}

var chapterShowCmd = &cobra.Command{
	Use:   "show <chapter-id>",
	Short: "Show a chapter with its content as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showJSON(cmd, "/chapters/"+url.PathEscape(args[0]))
	},
}

var chapterStageCmd = &cobra.Command{
	Use:   "stage <chapter-id> <stage>",
	Short: "Advance a chapter to a later stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return advanceStage(cmd, "/chapters/", args[0], args[1])
	},
}

var chapterVersionsCmd = &cobra.Command{
	Use:   "versions <chapter-id>",
	Short: "List committed versions of a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/chapters/"+url.PathEscape(args[0])+"/versions")
		if err != nil {
			return err
		}
		var versions []struct {
			ID        string  `json:"id"`
			Source    string  `json:"source"`
			Score     float64 `json:"continuity_score"`
			Verdict   string  `json:"continuity_verdict"`
			WordCount int     `json:"word_count"`
		}
		if err := decodeJSON(resp, &versions); err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("  %s  %-10s %4.1f %-7s %6d words\n", colorize(colorCyan, v.ID), v.Source, v.Score, v.Verdict, v.WordCount)
		}
		return nil
	},
}

func init() {
	chapterAddCmd.Flags().String("title", "", "chapter title")
	chapterAddCmd.Flags().String("outline", "", "chapter outline")
	chapterAddCmd.Flags().String("outline-file", "", "read the outline from a file")
	chapterCmd.AddCommand(chapterAddCmd, chapterListCmd, chapterShowCmd, chapterStageCmd, chapterVersionsCmd)
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <chapter-id>",
	Short: "Draft a chapter and commit it if it passes the continuity gate",
	Long: `Draft a chapter and commit it if it passes the continuity gate.

Examples:
  inkwell generate ch-12
  inkwell generate ch-12 --agent noir --outline "Mara finds the ledger"
  inkwell generate ch-12 --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		agent, _ := cmd.Flags().GetString("agent")
		outline, _ := cmd.Flags().GetString("outline")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/chapters/" + url.PathEscape(args[0]) + "/generate"
		opts := generation.Options{AgentID: agent, Outline: outline}
		if async {
			resp, err := client.post(cmd.Context(), path+"?async=true", opts)
			if err != nil {
				return err
			}
			var q queued
			if err := decodeJSON(resp, &q); err != nil {
				return err
			}
			printSuccess("Queued job %s", q.JobID)
			return nil
		}

		printStep("Drafting chapter %s", args[0])
		resp, err := client.withTimeout(generateTimeout).post(cmd.Context(), path, opts)
		if err != nil {
			return err
		}
		var res generation.Result
		if err := decodeJSON(resp, &res); err != nil {
			return explainGenerationError(err)
		}
		printGenerationResult(res)
		return nil
	},
}

func init() {
	generateCmd.Flags().Bool("async", false, "queue the generation and return the job id")
	generateCmd.Flags().String("agent", "", "named agent preset")
	generateCmd.Flags().String("outline", "", "outline override for this draft")
}

func printGenerationResult(res generation.Result) {
	g := res.ContinuityGate
	printSuccess("Committed version %s (%d words)", res.VersionID, res.WordCount)
	printStatus("Continuity", "%.1f %s (pass %.1f, reject %.1f)", g.Score, g.Verdict, g.PassScore, g.RejectScore)
	if g.RepairAttempts > 0 {
		printStatus("Repairs", "%d", g.RepairAttempts)
	}
	for _, is := range g.Issues {
		printWarning("%s %s: %s", is.Severity, is.Kind, is.Message)
	}
	if res.PendingReview {
		printWarning("Chapter is pending review")
	}
	for _, w := range res.ContextWarnings {
		printWarning("%s", w)
	}
	if len(res.PostProcess.Enqueued) > 0 {
		printStatus("Extraction", "%d jobs queued", len(res.PostProcess.Enqueued))
	}
	for _, e := range res.PostProcess.Errors {
		printWarning("post-processing: %s", e)
	}
}

// explainGenerationError adds the blocking entities or rejection issues the
// server attached to a failed generation.
func explainGenerationError(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if raw, ok := apiErr.Details["pending_entities"]; ok {
		var names []string
		if json.Unmarshal(raw, &names) == nil && len(names) > 0 {
			printWarning("Confirm these entities first: %s", strings.Join(names, ", "))
		}
	}
	if raw, ok := apiErr.Details["issues"]; ok {
		var issues []struct {
			Severity string `json:"severity"`
			Kind     string `json:"kind"`
			Message  string `json:"message"`
		}
		if json.Unmarshal(raw, &issues) == nil {
			for _, is := range issues {
				printWarning("%s %s: %s", is.Severity, is.Kind, is.Message)
			}
		}
	}
	return err
}

// --- branches ---

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Draft, list and select alternative drafts",
}

var branchesRunCmd = &cobra.Command{
	Use:   "run <chapter-id>",
	Short: "Draft ranked alternatives for a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		revise, _ := cmd.Flags().GetString("revise")
		feedback, _ := cmd.Flags().GetString("feedback")
		agent, _ := cmd.Flags().GetString("agent")
		async, _ := cmd.Flags().GetBool("async")
		if feedback != "" && revise == "" {
			return fmt.Errorf("--feedback requires --revise")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		opts := branches.Options{
			Options:           generation.Options{AgentID: agent},
			BranchCount:       count,
			SelectedVersionID: revise,
			Feedback:          feedback,
		}
		path := "/chapters/" + url.PathEscape(args[0]) + "/branches"
		if async {
			resp, err := client.post(cmd.Context(), path+"?async=true", opts)
			if err != nil {
				return err
			}
			var q queued
			if err := decodeJSON(resp, &q); err != nil {
				return err
			}
			printSuccess("Queued job %s", q.JobID)
			return nil
		}

		printStep("Drafting %d branches for %s", count, args[0])
		resp, err := client.withTimeout(generateTimeout).post(cmd.Context(), path, opts)
		if err != nil {
			return err
		}
		var res branches.Result
		if err := decodeJSON(resp, &res); err != nil {
			return explainGenerationError(err)
		}
		printStatus("Round", "%d", res.IterationRound)
		for _, b := range res.Branches {
			fmt.Printf("  %s  #%d  t=%.2f  %4.1f %-7s %6d words\n      %s\n",
				colorize(colorCyan, b.ID), b.BranchNumber, b.Temperature, b.ContinuityScore, b.ContinuityVerdict, b.WordCount, b.Preview)
		}
		if res.ContinuityGate.RejectedCount > 0 {
			printWarning("%d branches scored below the reject threshold", res.ContinuityGate.RejectedCount)
		}
		return nil
	},
}

var branchesListCmd = &cobra.Command{
	Use:   "list <chapter-id>",
	Short: "List cached branches for a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/chapters/"+url.PathEscape(args[0])+"/branches")
		if err != nil {
			return err
		}
		var list []struct {
			ID      string  `json:"id"`
			Rank    int     `json:"rank"`
			Round   int     `json:"iteration_round"`
			Score   float64 `json:"continuity_score"`
			Verdict string  `json:"continuity_verdict"`
			Preview string  `json:"preview"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No cached branches.")
			return nil
		}
		for _, b := range list {
			fmt.Printf("  %d. %s  round %d  %4.1f %s\n      %s\n", b.Rank, colorize(colorCyan, b.ID), b.Round, b.Score, b.Verdict, b.Preview)
		}
		return nil
	},
}

var branchesSelectCmd = &cobra.Command{
	Use:   "select <chapter-id> <branch-id>",
	Short: "Commit a cached branch as the chapter's content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/chapters/" + url.PathEscape(args[0]) + "/branches/" + url.PathEscape(args[1]) + "/select"
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var res generation.Result
		if err := decodeJSON(resp, &res); err != nil {
			return explainGenerationError(err)
		}
		printGenerationResult(res)
		return nil
	},
}

func init() {
	branchesRunCmd.Flags().Int("count", 3, "number of branches (1-8)")
	branchesRunCmd.Flags().String("revise", "", "branch or version id to revise")
	branchesRunCmd.Flags().String("feedback", "", "revision feedback")
	branchesRunCmd.Flags().String("agent", "", "named agent preset")
	branchesRunCmd.Flags().Bool("async", false, "queue the round and return the job id")
	branchesCmd.AddCommand(branchesRunCmd, branchesListCmd, branchesSelectCmd)
}

// --- hooks ---

type hookOut struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Planted     int    `json:"planted_in_chapter"`
	Status      string `json:"status"`
	Importance  string `json:"importance"`
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect narrative hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list <novel-id>",
	Short: "List narrative hooks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetBool("active")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/novels/" + url.PathEscape(args[0]) + "/hooks"
		if active {
			path += "?active=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []hookOut
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		for _, h := range list {
			fmt.Printf("  ch%-3d %-10s %-8s %-13s %s\n", h.Planted, h.Status, h.Importance, h.Type, h.Description)
		}
		return nil
	},
}

var hooksOverdueCmd = &cobra.Command{
	Use:   "overdue <novel-id>",
	Short: "List hooks left open past their reminder window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chapter, _ := cmd.Flags().GetInt("chapter")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/novels/" + url.PathEscape(args[0]) + "/hooks/overdue"
		if chapter > 0 {
			path += fmt.Sprintf("?chapter=%d", chapter)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out struct {
			CurrentChapter int `json:"current_chapter"`
			Overdue        []struct {
				Hook         hookOut `json:"hook"`
				ChaptersOpen int     `json:"chapters_open"`
				Threshold    float64 `json:"threshold"`
			} `json:"overdue"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Overdue) == 0 {
			printSuccess("No overdue hooks at chapter %d", out.CurrentChapter)
			return nil
		}
		for _, o := range out.Overdue {
			printWarning("%s (%s, open %d chapters, window %.1f)", o.Hook.Description, o.Hook.Importance, o.ChaptersOpen, o.Threshold)
		}
		return nil
	},
}

var hooksResolveCmd = &cobra.Command{
	Use:   "resolve <novel-id> <description>",
	Short: "Mark the hook best matching a description as resolved",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chapter, _ := cmd.Flags().GetInt("chapter")
		note, _ := cmd.Flags().GetString("note")
		if chapter < 1 {
			return fmt.Errorf("--chapter is required")
		}
		return closeHook(cmd, args[0], "resolve", map[string]any{"description": args[1], "chapter": chapter, "note": note})
	},
}

var hooksAbandonCmd = &cobra.Command{
	Use:   "abandon <novel-id> <description>",
	Short: "Mark the hook best matching a description as abandoned",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return closeHook(cmd, args[0], "abandon", map[string]any{"description": args[1], "reason": reason})
	},
}

var hooksCharacterCmd = &cobra.Command{
	Use:   "character <novel-id> <name>",
	Short: "Show the hooks related to a character as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showJSON(cmd, "/novels/"+url.PathEscape(args[0])+"/characters/"+url.PathEscape(args[1])+"/hooks")
	},
}

func closeHook(cmd *cobra.Command, novelID, action string, body map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), "/novels/"+url.PathEscape(novelID)+"/hooks/"+action, body)
	if err != nil {
		return err
	}
	var h hookOut
	if err := decodeJSON(resp, &h); err != nil {
		return err
	}
	printSuccess("%s: %s", h.Status, h.Description)
	return nil
}

func init() {
	hooksListCmd.Flags().Bool("active", false, "only planted or referenced hooks")
	hooksOverdueCmd.Flags().Int("chapter", 0, "chapter to measure from (default: latest written)")
	hooksResolveCmd.Flags().Int("chapter", 0, "chapter the hook is resolved in")
	hooksResolveCmd.Flags().String("note", "", "resolution note")
	hooksAbandonCmd.Flags().String("reason", "", "why the hook was dropped")
	hooksCmd.AddCommand(hooksListCmd, hooksOverdueCmd, hooksResolveCmd, hooksAbandonCmd, hooksCharacterCmd)
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Review characters and organizations introduced by drafts",
}

var entitiesPendingCmd = &cobra.Command{
	Use:   "pending <novel-id>",
	Short: "List entities awaiting confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/novels/" + url.PathEscape(args[0]) + "/entities/pending"
		if all {
			path = "/novels/" + url.PathEscape(args[0]) + "/entities"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Kind      string `json:"kind"`
			Chapter   int    `json:"introduced_in_chapter"`
			Confirmed bool   `json:"confirmed"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			printSuccess("Nothing to confirm")
			return nil
		}
		for _, e := range list {
			mark := colorize(colorYellow, "pending")
			if e.Confirmed {
				mark = colorize(colorGreen, "confirmed")
			}
			fmt.Printf("  %s  ch%-3d %-12s %s  %s\n", colorize(colorCyan, e.ID), e.Chapter, e.Kind, mark, e.Name)
		}
		return nil
	},
}

var entitiesConfirmCmd = &cobra.Command{
	Use:   "confirm <entity-id>...",
	Short: "Confirm pending entities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var failed int
		for _, id := range args {
			resp, err := client.post(cmd.Context(), "/entities/"+url.PathEscape(id)+"/confirm", nil)
			if err != nil {
				return err
			}
			var e struct {
				Name string `json:"name"`
				Kind string `json:"kind"`
			}
			if err := decodeJSON(resp, &e); err != nil {
				printError("%s: %v", id, err)
				failed++
				continue
			}
			printSuccess("Confirmed %s %q", e.Kind, e.Name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d confirmations failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	entitiesPendingCmd.Flags().Bool("all", false, "include confirmed entities")
	entitiesCmd.AddCommand(entitiesPendingCmd, entitiesConfirmCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <novel-id> <file>",
	Short: "Import an existing manuscript as committed chapters",
	Long: `Import an existing manuscript as committed chapters.

Supported formats: .txt, .md, .pdf. Chapters are split on headings such as
"Chapter 3" or "# Chapter Three".

Examples:
  inkwell import novel-1 ./draft.md
  inkwell import novel-1 ./part2.pdf --start 14 --extract`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		extract, _ := cmd.Flags().GetBool("extract")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if len(data) > manuscript.MaxSize {
			return fmt.Errorf("%s is larger than %d bytes", args[1], manuscript.MaxSize)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.withTimeout(generateTimeout).post(cmd.Context(), "/novels/"+url.PathEscape(args[0])+"/import", map[string]any{
			"filename":    filepath.Base(args[1]),
			"content":     base64.StdEncoding.EncodeToString(data),
			"start_order": start,
			"overwrite":   overwrite,
			"extract":     extract,
		})
		if err != nil {
			return err
		}
		var res manuscript.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Imported %d chapters", len(res.Chapters))
		if res.Enqueued > 0 {
			printStatus("Extraction", "%d jobs queued", res.Enqueued)
		}
		for _, e := range res.Errors {
			printWarning("%s", e)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Int("start", 1, "order of the first imported chapter")
	importCmd.Flags().Bool("overwrite", false, "replace content of existing chapters")
	importCmd.Flags().Bool("extract", false, "queue summary, hook and entity extraction")
}

// --- style ---

type styleGuide struct {
	POV   string   `json:"pov"`
	Tense string   `json:"tense"`
	Tone  string   `json:"tone"`
	Rules []string `json:"rules"`
}

var styleCmd = &cobra.Command{
	Use:   "style",
	Short: "Show or update a novel's style guide",
}

var styleShowCmd = &cobra.Command{
	Use:   "show <novel-id>",
	Short: "Show the style guide as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showJSON(cmd, "/novels/"+url.PathEscape(args[0])+"/style")
	},
}

var styleSetCmd = &cobra.Command{
	Use:   "set <novel-id>",
	Short: "Update style guide fields; unset flags keep their current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/novels/" + url.PathEscape(args[0]) + "/style"
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var g styleGuide
		if err := decodeJSON(resp, &g); err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("pov") {
			g.POV, _ = flags.GetString("pov")
		}
		if flags.Changed("tense") {
			g.Tense, _ = flags.GetString("tense")
		}
		if flags.Changed("tone") {
			g.Tone, _ = flags.GetString("tone")
		}
		if flags.Changed("rule") {
			g.Rules, _ = flags.GetStringArray("rule")
		}

		resp, err = client.put(cmd.Context(), path, g)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &g); err != nil {
			return err
		}
		printSuccess("Style guide updated")
		return nil
	},
}

func init() {
	styleSetCmd.Flags().String("pov", "", "point of view, e.g. \"close third, Mara\"")
	styleSetCmd.Flags().String("tense", "", "narrative tense")
	styleSetCmd.Flags().String("tone", "", "tone")
	styleSetCmd.Flags().StringArray("rule", nil, "style rule (repeatable, replaces existing rules)")
	styleCmd.AddCommand(styleShowCmd, styleSetCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Queue and inspect background jobs",
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <chapter-id>",
	Short: "Queue a job (generate_chapter, generate_branches, extract_summary, extract_hooks, extract_entities)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		options, _ := cmd.Flags().GetString("options")
		req := map[string]any{"type": args[0], "chapter_id": args[1]}
		if options != "" {
			if !json.Valid([]byte(options)) {
				return fmt.Errorf("--options must be a JSON object")
			}
			req["options"] = json.RawMessage(options)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}
		var q queued
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		printSuccess("Queued job %s", q.JobID)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its output as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showJSON(cmd, "/jobs/"+url.PathEscape(args[0]))
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprint(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var list []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		for _, j := range list {
			line := fmt.Sprintf("  %s  %-18s %-9s attempts=%d", colorize(colorCyan, j.ID), j.Type, j.Status, j.Attempts)
			if j.LastError != "" {
				line += "  " + colorize(colorRed, j.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	jobsEnqueueCmd.Flags().String("options", "", "job options as JSON")
	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, succeeded, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum jobs to list")
	jobsCmd.AddCommand(jobsEnqueueCmd, jobsShowCmd, jobsListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in config.yaml.\n\nKeys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (llm.api_key, server.api_token) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd)
}

// --- helpers ---

func showJSON(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var v any
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	return printJSON(v)
}

func advanceStage(cmd *cobra.Command, prefix, id, stage string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), prefix+url.PathEscape(id)+"/stage", map[string]string{"stage": stage})
	if err != nil {
		return err
	}
	var out struct {
		Stage string `json:"stage"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("%s is now at stage %s", id, out.Stage)
	return nil
}
