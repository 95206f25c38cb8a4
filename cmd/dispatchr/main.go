package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/spf13/cobra"
	naturaldate "github.com/tj/go-naturaldate"

	"github.com/christopherklint97/dispatchr/internal/calendar"
	"github.com/christopherklint97/dispatchr/internal/config"
	"github.com/christopherklint97/dispatchr/internal/dispatch"
	"github.com/christopherklint97/dispatchr/internal/msgraph"
	"github.com/christopherklint97/dispatchr/internal/psa"
	"github.com/christopherklint97/dispatchr/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchr",
	Short: "Auto-schedule ticket hours onto a PSA calendar",
	Long:  "dispatchr allocates a member's remaining ticket hours into free 15-minute slots on their PSA calendar, respecting existing commitments, daily and total caps, weekends and PTO.",
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [ticketID[=hours]...]",
	Short: "Dispatch ticket hours into free calendar slots",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDispatch,
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets [ticketID...]",
	Short: "Show remaining dispatchable hours per ticket",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTickets,
}

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Show the member's occupancy for the dispatch window",
	RunE:  runCalendar,
}

var calendarAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate the Microsoft Graph overlay source",
	RunE:  runCalendarAuth,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled dispatch records",
	RunE:  runHistory,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Open config file in your editor",
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	for _, cmd := range []*cobra.Command{dispatchCmd, calendarCmd} {
		cmd.Flags().String("member", "", "Member identifier to dispatch for")
		cmd.Flags().String("start", "today", "Start date (2006-01-02 or natural language)")
		cmd.Flags().String("end", "", "Inclusive end date; dispatching stops past its end of day")
		cmd.Flags().String("tz", "", "Timezone for day boundaries and slot times")
	}

	dispatchCmd.Flags().Float64("daily", 0, "Daily hour cap")
	dispatchCmd.Flags().Float64("total", 0, "Total hour cap across all tickets (0 = unbounded)")
	dispatchCmd.Flags().Int("start-hour", 0, "Hour of day dispatching begins at")
	dispatchCmd.Flags().String("duplicates", "", "Policy for already-scheduled tickets: subtract, skip or ignore")
	dispatchCmd.Flags().BoolP("dry-run", "n", false, "Log planned slots without writing to the PSA")
	dispatchCmd.Flags().Bool("assign", false, "Mark tickets assigned after a successful dispatch")
	dispatchCmd.Flags().Bool("all-statuses", false, "Dispatch regardless of ticket status")
	dispatchCmd.Flags().StringArray("status", nil, "Only dispatch tickets with this status (repeatable)")
	ticketsCmd.Flags().Bool("all-statuses", false, "Resolve hours regardless of ticket status")
	ticketsCmd.Flags().StringArray("status", nil, "Only treat tickets with this status as active (repeatable)")

	historyCmd.Flags().Int("limit", 20, "Number of records to show")

	calendarCmd.AddCommand(calendarAuthCmd)

	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(ticketsCmd)
	rootCmd.AddCommand(calendarCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.PSA.BaseURL == "" || cfg.PSA.Company == "" {
		return nil, fmt.Errorf("PSA connection not configured; run 'dispatchr config' to set it up")
	}
	return cfg, nil
}

func newPSAClient(cfg *config.Config, logger *slog.Logger) *psa.Client {
	creds := psa.Credentials{
		BaseURL:    cfg.PSA.BaseURL,
		Company:    cfg.PSA.Company,
		PublicKey:  cfg.PSA.PublicKey,
		PrivateKey: cfg.PSA.PrivateKey,
		ClientID:   cfg.PSA.ClientID,
	}
	return psa.NewClient(creds, 15*time.Minute, logger)
}

// parseDate accepts 2006-01-02 or natural language ("today", "next monday").
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := naturaldate.Parse(s, time.Now().In(loc), naturaldate.WithDirection(naturaldate.Future))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
}

// parseTicketArgs parses "339429" and "340224=4" forms; the =hours
// override forces dispatch of that many hours even for inactive tickets.
func parseTicketArgs(args []string) ([]dispatch.TicketRequest, error) {
	tickets := make([]dispatch.TicketRequest, 0, len(args))
	for _, arg := range args {
		idPart, hoursPart, hasHours := strings.Cut(arg, "=")
		id, err := strconv.Atoi(idPart)
		if err != nil {
			return nil, fmt.Errorf("invalid ticket id %q", idPart)
		}
		req := dispatch.TicketRequest{ID: id}
		if hasHours {
			hours, err := strconv.ParseFloat(hoursPart, 64)
			if err != nil || hours <= 0 {
				return nil, fmt.Errorf("invalid hour override %q for ticket %d", hoursPart, id)
			}
			req.Hours = hours
		}
		tickets = append(tickets, req)
	}
	return tickets, nil
}

func statusFilter(cfg *config.Config, cmd *cobra.Command) dispatch.StatusFilter {
	statuses, _ := cmd.Flags().GetStringArray("status")
	allStatuses, _ := cmd.Flags().GetBool("all-statuses")

	switch {
	case len(statuses) == 1:
		return dispatch.StatusFilter{Kind: dispatch.FilterExact, Status: statuses[0]}
	case len(statuses) > 1:
		return dispatch.StatusFilter{Kind: dispatch.FilterAllow, Statuses: statuses}
	case allStatuses || !cfg.Dispatch.SkipInactive:
		return dispatch.StatusFilter{Kind: dispatch.FilterNone}
	default:
		return dispatch.StatusFilter{Kind: dispatch.FilterBuiltin}
	}
}

func buildParams(cfg *config.Config, cmd *cobra.Command, tickets []dispatch.TicketRequest) (dispatch.Params, error) {
	p := dispatch.Params{
		Member:         cfg.Dispatch.Member,
		Timezone:       cfg.Dispatch.Timezone,
		DailyHours:     cfg.Dispatch.DailyHours,
		TotalHours:     cfg.Dispatch.TotalHours,
		StartHour:      cfg.Dispatch.StartHour,
		Duplicates:     dispatch.DuplicatePolicy(cfg.Dispatch.Duplicates),
		MarkAssigned:   cfg.Dispatch.MarkAssigned,
		AssignedStatus: cfg.Dispatch.AssignedStatus,
		Statuses:       statusFilter(cfg, cmd),
		Tickets:        tickets,
	}

	if v, _ := cmd.Flags().GetString("member"); v != "" {
		p.Member = v
	}
	if v, _ := cmd.Flags().GetString("tz"); v != "" {
		p.Timezone = v
	}
	if cmd.Flags().Lookup("daily") != nil {
		if v, _ := cmd.Flags().GetFloat64("daily"); v > 0 {
			p.DailyHours = v
		}
		if v, _ := cmd.Flags().GetFloat64("total"); v > 0 {
			p.TotalHours = v
		}
		if v, _ := cmd.Flags().GetInt("start-hour"); v > 0 {
			p.StartHour = v
		}
		if v, _ := cmd.Flags().GetString("duplicates"); v != "" {
			p.Duplicates = dispatch.DuplicatePolicy(v)
		}
		if v, _ := cmd.Flags().GetBool("dry-run"); v {
			p.DryRun = true
		}
		if v, _ := cmd.Flags().GetBool("assign"); v {
			p.MarkAssigned = true
		}
	}

	if p.Member == "" {
		return p, fmt.Errorf("no member configured; set dispatch.member or pass --member")
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return p, fmt.Errorf("loading timezone %q: %w", p.Timezone, err)
	}

	startArg, _ := cmd.Flags().GetString("start")
	p.StartDate, err = parseDate(startArg, loc)
	if err != nil {
		return p, err
	}
	if endArg, _ := cmd.Flags().GetString("end"); endArg != "" {
		p.EndDate, err = parseDate(endArg, loc)
		if err != nil {
			return p, err
		}
	}

	return p, nil
}

// fetchOccupancy pulls the member's schedule entries, merges in overlay
// calendar events when configured, and builds the occupancy model.
func fetchOccupancy(ctx context.Context, cfg *config.Config, client *psa.Client, p dispatch.Params, logger *slog.Logger) (dispatch.Occupancy, error) {
	entries, err := client.GetScheduleEntries(ctx, p.Member, p.StartDate)
	if err != nil {
		return nil, err
	}

	if cfg.Calendar.Enabled {
		overlay, err := fetchOverlay(ctx, cfg, p, logger)
		if err != nil {
			return nil, fmt.Errorf("fetching calendar overlay: %w", err)
		}
		entries = append(entries, overlay...)
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", p.Timezone, err)
	}

	return dispatch.BuildOccupancy(entries, loc)
}

func fetchOverlay(ctx context.Context, cfg *config.Config, p dispatch.Params, logger *slog.Logger) ([]psa.ScheduleEntry, error) {
	windowStart := p.StartDate.AddDate(0, 0, -1)
	windowEnd := p.EndDate
	if windowEnd.IsZero() {
		windowEnd = p.StartDate.AddDate(0, 0, 90)
	} else {
		windowEnd = windowEnd.AddDate(0, 0, 1)
	}

	var events []calendar.Event
	var err error
	if cfg.Calendar.Source == "graph" {
		auth := msgraph.NewAuth(cfg.Calendar.Graph.ClientID, cfg.Calendar.Graph.TenantID, logger)
		events, err = msgraph.NewClient(auth, logger).FetchEvents(ctx, windowStart, windowEnd)
	} else {
		events, err = calendar.Fetch(ctx, cfg.Calendar.Source, windowStart, windowEnd)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("overlay events merged", "count", len(events), "source", cfg.Calendar.Source)
	return calendar.Entries(events), nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tickets, err := parseTicketArgs(args)
	if err != nil {
		return err
	}

	params, err := buildParams(cfg, cmd, tickets)
	if err != nil {
		return err
	}

	client := newPSAClient(cfg, logger)
	ctx := cmd.Context()

	occ, err := fetchOccupancy(ctx, cfg, client, params, logger)
	if err != nil {
		return err
	}

	d, err := dispatch.New(params, occ, client, logger)
	if err != nil {
		return err
	}

	resolver := dispatch.NewHoursResolver(client, params.Statuses)
	results, err := d.Run(ctx, resolver)
	if err != nil {
		return err
	}

	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()

	dispatched, failed := printResults(results, params)
	journalResults(db, results, params, logger)
	notify(cfg, params, dispatched, failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d dispatch actions failed", failed, dispatched+failed)
	}
	return nil
}

func printResults(results []dispatch.TicketResult, params dispatch.Params) (dispatched, failed int) {
	header := "Dispatch plan"
	if !params.DryRun {
		header = "Dispatched"
	}
	fmt.Println(titleStyle.Render(header))

	var totalHours float64
	for _, res := range results {
		if len(res.Outcomes) == 0 {
			fmt.Printf("  %s %s\n", highlightStyle.Render(fmt.Sprintf("#%d", res.TicketID)), dimStyle.Render("nothing to dispatch"))
			continue
		}
		for _, o := range res.Outcomes {
			line := fmt.Sprintf("  %s  %s  %.2fh",
				highlightStyle.Render(fmt.Sprintf("#%d", o.Record.TicketID)),
				o.Record.Start.Format("2006-01-02 15:04"),
				o.Record.Hours,
			)
			switch {
			case o.Err != nil:
				failed++
				fmt.Printf("%s  %s\n", line, errorStyle.Render("FAILED: "+o.Err.Error()))
			case o.Record.Simulated:
				dispatched++
				totalHours += o.Record.Hours
				fmt.Printf("%s  %s\n", line, warningStyle.Render("(dry run)"))
			default:
				dispatched++
				totalHours += o.Record.Hours
				fmt.Printf("%s  %s\n", line, successStyle.Render("ok"))
			}
		}
	}

	fmt.Printf("\nTotal: %.2fh across %d slots\n", totalHours, dispatched)
	return dispatched, failed
}

func journalResults(db *store.DB, results []dispatch.TicketResult, params dispatch.Params, logger *slog.Logger) {
	for _, res := range results {
		for _, o := range res.Outcomes {
			rec := store.Record{
				TicketID:  o.Record.TicketID,
				Member:    params.Member,
				StartTime: o.Record.Start,
				Hours:     o.Record.Hours,
				Simulated: o.Record.Simulated,
				EntryID:   o.Record.EntryID,
				Status:    store.StatusDispatched,
			}
			if o.Record.Simulated {
				rec.Status = store.StatusSimulated
			}
			if o.Err != nil {
				rec.Status = store.StatusFailed
				rec.Error = o.Err.Error()
			}
			if _, err := db.InsertRecord(&rec); err != nil {
				logger.Warn("journaling record failed", "ticket", rec.TicketID, "error", err)
			}
		}
	}
}

func notify(cfg *config.Config, params dispatch.Params, dispatched, failed int) {
	if !cfg.Notifications.Enabled || params.DryRun {
		return
	}
	msg := fmt.Sprintf("%d slots dispatched", dispatched)
	if failed > 0 {
		msg = fmt.Sprintf("%d slots dispatched, %d failed", dispatched, failed)
	}
	if err := beeep.Notify("dispatchr", msg, ""); err != nil {
		// Notifications are best effort.
		return
	}
}

func runTickets(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tickets, err := parseTicketArgs(args)
	if err != nil {
		return err
	}
	ids := make([]int, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}

	client := newPSAClient(cfg, logger)
	filter := statusFilter(cfg, cmd)
	resolver := dispatch.NewHoursResolver(client, filter)

	hours, err := resolver.ResolveHours(cmd.Context(), ids)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Tickets"))
	for _, id := range ids {
		t, ok := resolver.Ticket(id)
		if !ok {
			fmt.Printf("  %s  %s\n", highlightStyle.Render(fmt.Sprintf("#%d", id)), errorStyle.Render("not found"))
			continue
		}
		status := t.Status.Name
		if !filter.Active(status) {
			status = dimStyle.Render(status + " (inactive)")
		}
		fmt.Printf("  %s  %-30s  %s  %s\n",
			highlightStyle.Render(fmt.Sprintf("#%d", id)),
			t.Summary,
			status,
			fmt.Sprintf("%.2fh remaining", hours[id]),
		)
	}

	return nil
}

func runCalendar(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	params, err := buildParams(cfg, cmd, nil)
	if err != nil {
		return err
	}

	client := newPSAClient(cfg, logger)
	occ, err := fetchOccupancy(cmd.Context(), cfg, client, params, logger)
	if err != nil {
		return err
	}

	if len(occ) == 0 {
		fmt.Println("Calendar is empty for the window.")
		return nil
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Occupancy for %s", params.Member)))
	for _, day := range occ.Days() {
		b := occ[day]
		line := fmt.Sprintf("  %s  %5.2fh", day, b.Hours)
		if len(b.Tickets) > 0 {
			ids := make([]string, len(b.Tickets))
			for i, id := range b.Tickets {
				ids[i] = strconv.Itoa(id)
			}
			line += dimStyle.Render("  tickets: " + strings.Join(ids, ", "))
		}
		if b.Hours >= params.DailyHours {
			line += "  " + warningStyle.Render("full")
		}
		fmt.Println(line)
	}

	return nil
}

func runCalendarAuth(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Calendar.Graph.ClientID == "" {
		return fmt.Errorf("no Graph client id configured; set calendar.graph.client_id")
	}

	auth := msgraph.NewAuth(cfg.Calendar.Graph.ClientID, cfg.Calendar.Graph.TenantID, logger)
	ctx := cmd.Context()

	dc, err := auth.StartDeviceCodeFlow(ctx)
	if err != nil {
		return err
	}

	fmt.Println(dc.Message)

	tokens, err := auth.PollForToken(ctx, dc.DeviceCode, dc.Interval)
	if err != nil {
		return err
	}
	if err := msgraph.SaveTokens(tokens); err != nil {
		return err
	}

	fmt.Println(successStyle.Render("Authenticated with Microsoft Graph."))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()

	records, err := db.RecentRecords(limit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No dispatch records yet.")
		return nil
	}

	fmt.Println(titleStyle.Render("Dispatch history"))
	for _, r := range records {
		status := successStyle.Render(r.Status)
		switch r.Status {
		case store.StatusFailed:
			status = errorStyle.Render(r.Status)
		case store.StatusSimulated:
			status = warningStyle.Render(r.Status)
		}
		fmt.Printf("  %s  %s  #%d  %.2fh  %s  %s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.StartTime.Local().Format("01-02 15:04"),
			r.TicketID, r.Hours, r.Member, status,
		)
	}

	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data := fmt.Sprintf(`[psa]
base_url = ""
company = ""
public_key = ""
private_key = ""
client_id = ""

[dispatch]
member = ""
timezone = %q
daily_hours = %.1f
total_hours = 0
start_hour = %d
duplicates = %q
skip_inactive = %t
mark_assigned = %t
assigned_status = %q

[calendar]
enabled = false
source = ""

[notifications]
enabled = %t
`,
			cfg.Dispatch.Timezone,
			cfg.Dispatch.DailyHours,
			cfg.Dispatch.StartHour,
			cfg.Dispatch.Duplicates,
			cfg.Dispatch.SkipInactive,
			cfg.Dispatch.MarkAssigned,
			cfg.Dispatch.AssignedStatus,
			cfg.Notifications.Enabled,
		)
		if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	fmt.Printf("Opening %s with %s...\n", configPath, editor)

	proc := os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	}
	process, err := os.StartProcess(editor, []string{editor, configPath}, &proc)
	if err != nil {
		fmt.Printf("Could not open editor. Config file is at: %s\n", configPath)
		return nil
	}
	_, err = process.Wait()
	return err
}
