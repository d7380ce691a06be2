// violation-gen drives a proctord server with synthetic exam sessions for
// testing escalation behavior and rate limits without wiring up real agents.
//
// Usage:
//
//	go run tools/violation-gen.go -server http://127.0.0.1:8090 -admin-token tok
//	go run tools/violation-gen.go -students 50 -profile restless
//	go run tools/violation-gen.go -profile cheater -submit
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"proctord/internal/protocol"
)

// ViolationProfile defines parameters for simulating one kind of candidate
// population.
type ViolationProfile struct {
	Name          string
	Description   string
	MedianGapMs   float64 // Median time between violations per student
	GapStdDevMs   float64 // Standard deviation
	BurstProb     float64 // Probability of a rapid-fire burst
	BurstGapMs    float64 // Interval during bursts
	MaxViolations int     // Students stop misbehaving after this many reports
	Kinds         []kindWeight
}

type kindWeight struct {
	Kind   protocol.EventKind
	Weight int
}

var profiles = map[string]ViolationProfile{
	"calm": {
		Name:          "Calm Population",
		Description:   "Mostly compliant students, the odd stray focus change",
		MedianGapMs:   20000,
		GapStdDevMs:   15000,
		BurstProb:     0.02,
		BurstGapMs:    2000,
		MaxViolations: 2,
		Kinds: []kindWeight{
			{protocol.EventBlur, 6},
			{protocol.EventCursorLeave, 3},
			{protocol.EventVisibilityChange, 1},
		},
	},
	"restless": {
		Name:          "Restless Population",
		Description:   "Frequent window switching and cursor wandering",
		MedianGapMs:   5000,
		GapStdDevMs:   4000,
		BurstProb:     0.1,
		BurstGapMs:    800,
		MaxViolations: 6,
		Kinds: []kindWeight{
			{protocol.EventBlur, 5},
			{protocol.EventCursorLeave, 4},
			{protocol.EventVisibilityChange, 2},
			{protocol.EventFullscreenExit, 2},
			{protocol.EventFocusReveal, 1},
		},
	},
	"cheater": {
		Name:          "Determined Cheater",
		Description:   "Hidden surfaces and inspection shortcuts until terminated",
		MedianGapMs:   1500,
		GapStdDevMs:   800,
		BurstProb:     0.3,
		BurstGapMs:    300,
		MaxViolations: 12,
		Kinds: []kindWeight{
			{protocol.EventVisibilityChange, 4},
			{protocol.EventDevtoolsShortcut, 3},
			{protocol.EventFullscreenExit, 2},
			{protocol.EventVisibilityPoll, 2},
			{protocol.EventBlur, 1},
		},
	},
	"mixed": {
		Name:          "Mixed Population",
		Description:   "Every signal kind at typical exam-hall proportions",
		MedianGapMs:   8000,
		GapStdDevMs:   6000,
		BurstProb:     0.08,
		BurstGapMs:    1000,
		MaxViolations: 5,
		Kinds: []kindWeight{
			{protocol.EventBlur, 5},
			{protocol.EventCursorLeave, 4},
			{protocol.EventVisibilityChange, 3},
			{protocol.EventFullscreenExit, 2},
			{protocol.EventVisibilityPoll, 1},
			{protocol.EventFocusReveal, 1},
			{protocol.EventDevtoolsShortcut, 1},
		},
	},
}

// studentResult is what one simulated student reports back.
type studentResult struct {
	UserID     int64
	AttemptID  string
	Reports    int
	ByAction   map[protocol.Action]int
	ByKind     map[protocol.EventKind]int
	Errors     int
	Terminated bool
	Submitted  bool
}

func main() {
	var (
		server       = flag.String("server", "http://127.0.0.1:8090", "proctord base URL")
		adminToken   = flag.String("admin-token", os.Getenv("PROCTORD_ADMIN_TOKEN"), "admin token for opening sessions")
		students     = flag.Int("students", 10, "Number of concurrent simulated students")
		duration     = flag.Duration("duration", 60*time.Second, "How long to run")
		profileName  = flag.String("profile", "mixed", "Violation profile to use")
		submit       = flag.Bool("submit", false, "Send a forced submission after termination, like a real agent")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-12s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}
	if *adminToken == "" {
		fmt.Fprintln(os.Stderr, "No admin token. Pass -admin-token or set PROCTORD_ADMIN_TOKEN.")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	faker := gofakeit.New(uint64(*seed))

	examID := "load-" + uuid.NewString()[:8]
	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(*server, "/")

	fmt.Printf("Simulating %d students with profile: %s\n", *students, profile.Name)
	fmt.Printf("Exam session: %s\n", examID)
	fmt.Printf("Random seed:  %d\n", *seed)
	fmt.Println()

	var wg sync.WaitGroup
	results := make([]studentResult, *students)
	start := time.Now()

	for i := 0; i < *students; i++ {
		userID := int64(1000 + i)
		name := faker.Name()
		rng := rand.New(rand.NewSource(*seed + int64(i)))

		created, err := openSession(client, base, *adminToken, examID, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening session for user %d: %v\n", userID, err)
			os.Exit(1)
		}
		fmt.Printf("  %-24s user=%d attempt=%s\n", name, userID, created.AttemptID)

		wg.Add(1)
		go func(idx int, token, attemptID string) {
			defer wg.Done()
			results[idx] = runStudent(client, base, token, rng, profile, *duration, *submit)
			results[idx].UserID = userID
			results[idx].AttemptID = attemptID
		}(i, created.Token, created.AttemptID)
	}

	wg.Wait()
	printStats(results, time.Since(start))
}

// runStudent reports violations on the student's token until the duration
// expires, the server terminates the attempt, or the profile's budget of
// misbehavior runs out.
func runStudent(client *http.Client, base, token string, rng *rand.Rand, profile ViolationProfile, duration time.Duration, submit bool) studentResult {
	res := studentResult{
		ByAction: make(map[protocol.Action]int),
		ByKind:   make(map[protocol.EventKind]int),
	}

	deadline := time.Now().Add(duration)
	inBurst := false
	burstRemaining := 0

	for time.Now().Before(deadline) && res.Reports < profile.MaxViolations {
		var gapMs float64
		if inBurst && burstRemaining > 0 {
			gapMs = profile.BurstGapMs * (0.5 + rng.Float64())
			burstRemaining--
			if burstRemaining == 0 {
				inBurst = false
			}
		} else if rng.Float64() < profile.BurstProb {
			inBurst = true
			burstRemaining = 2 + rng.Intn(3)
			gapMs = profile.BurstGapMs * (0.5 + rng.Float64())
		} else {
			gapMs = logNormalSample(rng, profile.MedianGapMs, profile.GapStdDevMs)
		}
		time.Sleep(time.Duration(gapMs * float64(time.Millisecond)))

		kind := pickKind(rng, profile.Kinds)
		result, err := reportViolation(client, base, token, kind)
		if err != nil {
			res.Errors++
			continue
		}

		res.Reports++
		res.ByAction[result.Action]++
		res.ByKind[kind]++

		if result.Action == protocol.ActionEnd {
			res.Terminated = true
			if submit {
				if err := submitCheated(client, base, token); err == nil {
					res.Submitted = true
				}
			}
			break
		}
	}

	return res
}

func openSession(client *http.Client, base, adminToken, examID string, userID int64) (*protocol.CreateSessionResult, error) {
	req := protocol.CreateSessionRequest{SessionID: examID, UserID: userID}
	var out protocol.CreateSessionResult
	if err := call(client, base+protocol.PathSessions, adminToken, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func reportViolation(client *http.Client, base, token string, kind protocol.EventKind) (*protocol.ReportResult, error) {
	details := string(kind) + " observed by load generator"
	req := protocol.ReportRequest{EventType: string(kind), Details: &details}
	var out protocol.ReportResult
	if err := call(client, base+protocol.PathViolations, token, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func submitCheated(client *http.Client, base, token string) error {
	req := protocol.SubmitRequest{
		SubmitResult:   []protocol.AnswerResult{},
		Score:          0,
		TotalQuestions: 20,
		TimeTaken:      0,
		Status:         protocol.StatusCheated,
	}
	var out protocol.SubmitResult
	return call(client, base+protocol.PathSubmissions, token, &req, &out)
}

// call posts body as JSON with a bearer token and decodes the envelope.
func call(client *http.Client, url, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("server: %s", *env.Error)
		}
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return env.DecodeData(out)
}

func pickKind(rng *rand.Rand, kinds []kindWeight) protocol.EventKind {
	total := 0
	for _, kw := range kinds {
		total += kw.Weight
	}
	n := rng.Intn(total)
	for _, kw := range kinds {
		n -= kw.Weight
		if n < 0 {
			return kw.Kind
		}
	}
	return kinds[len(kinds)-1].Kind
}

// logNormalSample generates a sample from a log-normal distribution.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.1 {
		sigma = 0.1
	}

	// Box-Muller transform
	u1 := rng.Float64()
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return math.Exp(mu + sigma*z)
}

func printStats(results []studentResult, elapsed time.Duration) {
	totalReports := 0
	totalErrors := 0
	terminated := 0
	submitted := 0
	byAction := make(map[protocol.Action]int)
	byKind := make(map[protocol.EventKind]int)

	for _, r := range results {
		totalReports += r.Reports
		totalErrors += r.Errors
		if r.Terminated {
			terminated++
		}
		if r.Submitted {
			submitted++
		}
		for a, n := range r.ByAction {
			byAction[a] += n
		}
		for k, n := range r.ByKind {
			byKind[k] += n
		}
	}

	fmt.Println("\nStatistics:")
	fmt.Printf("  Students:       %d\n", len(results))
	fmt.Printf("  Elapsed:        %.1f seconds\n", elapsed.Seconds())
	fmt.Printf("  Reports:        %d (%.1f/sec)\n", totalReports, float64(totalReports)/elapsed.Seconds())
	fmt.Printf("  Failed calls:   %d\n", totalErrors)
	fmt.Printf("  Terminated:     %d\n", terminated)
	if submitted > 0 {
		fmt.Printf("  Submissions:    %d\n", submitted)
	}

	fmt.Println("\nDecisions:")
	for _, a := range []protocol.Action{protocol.ActionOK, protocol.ActionWarn, protocol.ActionEnd} {
		fmt.Printf("  %-6s %d\n", a, byAction[a])
	}

	fmt.Println("\nSignal kinds:")
	for _, k := range protocol.EventKinds {
		if byKind[k] > 0 {
			fmt.Printf("  %-20s %d\n", k, byKind[k])
		}
	}
}
