/*

Latstrain infers latent strains of a microbial community from
per-sample taxon counts and sequence (contig) coverage.

The basic usage looks like this:

	latstrain fit taxa.tsv coverage.tsv lengths.tsv

, this will fit the model with the mean-field variational inference
and write the estimates to the current directory.

A synthetic community can be simulated with:

	latstrain simulate --samples 2 --taxa 3 --sequences 5

To see all the options run:

	latstrain help fit

*/
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = "branch: " + gitbranch + ", revision: " + githash + ", build time: " + buildstamp

// Logger settings.
var log = logging.MustGetLogger("latstrain")
var formatter = logging.MustStringFormatter(`%{message}`)
var colorFormatter = logging.MustStringFormatter(`%{color}%{message}%{color:reset}`)

// modules are the logging modules of the program.
var modules = []string{"latstrain", "counts", "model", "optimize", "checkpoint", "estimate", "metrics"}

// command-line options
var (
	// application
	app = kingpin.New("latstrain", "latent strain inference for metagenomes").Version(version)

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()
	outLogF    = app.Flag("log", "write log to a file").String()
	logLevel   = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()

	// fit
	fitCmd = app.Command("fit", "fit the latent strain model")

	taxFileName    = fitCmd.Arg("taxa", "taxon counts (sample taxon count)").Required().ExistingFile()
	seqFileName    = fitCmd.Arg("sequences", "sequence counts (sample sequence count)").Required().ExistingFile()
	lengthFileName = fitCmd.Arg("lengths", "sequence lengths (sequence length)").Required().ExistingFile()

	configF  = fitCmd.Flag("config", "YAML configuration file").ExistingFile()
	coverage = fitCmd.Flag("coverage", "sequence values are mean depth, convert to nucleotide counts").Bool()
	minReads = fitCmd.Flag("min-reads", "drop taxa with fewer total counts").Default("0").Float64()
	strict   = fitCmd.Flag("strict", "samples missing from one of the tables are an error").Bool()

	// model parameters
	nStrains       = userFlag(fitCmd, "strains", "number of latent strains (twice the number of taxa by default)").Int()
	reg            = userFlag(fitCmd, "reg", "strain diversity regularization").Float64()
	taxUncertainty = userFlag(fitCmd, "tax-uncertainty", "concentration of the strain taxonomy prior").Float64()

	// optimizer parameters
	method = fitCmd.Flag("method", "optimization method to use "+
		"(advi: variational inference, "+
		"map: maximum a posteriori, "+
		"none: just compute the log-density at the starting point)").
		Enum("advi", "map", "none")
	family      = fitCmd.Flag("family", "variational family (meanfield or fullrank)").Enum("meanfield", "fullrank")
	eta         = userFlag(fitCmd, "eta", "step size scale").Float64()
	iterations  = userFlag(fitCmd, "iter", "maximum number of iterations").Int()
	gradSamples = userFlag(fitCmd, "grad-samples", "number of draws per gradient estimate").Int()
	elboSamples = userFlag(fitCmd, "elbo-samples", "number of draws per ELBO evaluation").Int()
	evalPeriod  = userFlag(fitCmd, "eval-period", "evaluate ELBO every N iterations").Int()
	tolRelObj   = userFlag(fitCmd, "tol", "relative ELBO tolerance").Float64()
	mapIter     = userFlag(fitCmd, "map", "number of MAP iterations to warm start (0 disables)").Int()
	report      = fitCmd.Flag("report", "report every N iterations").Default("100").Int()
	timeout     = fitCmd.Flag("timeout", "stop the optimization after the duration").Duration()

	// output
	outF        = fitCmd.Flag("out", "write optimization trajectory to a file").String()
	outDir      = fitCmd.Flag("outdir", "directory for the estimate tables").Default(".").ExistingDir()
	prefix      = fitCmd.Flag("prefix", "prefix of the estimate tables").String()
	plotF       = fitCmd.Flag("plot", "plot ELBO trace to a file (png, svg or pdf)").String()
	checkpointF = fitCmd.Flag("checkpoint", "checkpoint database").String()
	cpKey       = fitCmd.Flag("checkpoint-key", "checkpoint key (run id by default)").String()
	cpSeconds   = fitCmd.Flag("checkpoint-seconds", "minimum interval between checkpoints").Default("60").Float64()
	metricsAddr = fitCmd.Flag("metrics", "serve prometheus metrics on the address").String()

	// simulate
	simCmd = app.Command("simulate", "simulate a community")

	simSamples   = simCmd.Flag("samples", "number of samples").Default("2").Int()
	simTaxa      = simCmd.Flag("taxa", "number of taxa").Default("3").Int()
	simSequences = simCmd.Flag("sequences", "number of sequences").Default("5").Int()
	simStrains   = simCmd.Flag("strains", "number of strains (twice the number of taxa by default)").Int()
	simTaxReads  = simCmd.Flag("tax-reads", "taxon counts per sample").Default("100000").Float64()
	simSeqReads  = simCmd.Flag("seq-reads", "sequence counts per sample").Default("100000").Float64()
	simMinLength = simCmd.Flag("min-length", "minimum sequence length").Default("500").Float64()
	simMaxLength = simCmd.Flag("max-length", "maximum sequence length").Default("5000").Float64()
	simOutDir    = simCmd.Flag("outdir", "output directory").Default(".").ExistingDir()
	simPrefix    = simCmd.Flag("prefix", "output files prefix").String()
)

// userSet holds the names of the flags given on the command line.
var userSet = map[string]bool{}

// userFlag declares a flag which is recorded in userSet when parsed.
func userFlag(cmd *kingpin.CmdClause, name, help string) *kingpin.FlagClause {
	return cmd.Flag(name, help).Action(func(*kingpin.ParseContext) error {
		userSet[name] = true
		return nil
	})
}

// applyFlags overrides the configuration with the command-line
// flags which were set.
func applyFlags(cfg *Config) {
	if *method != "" {
		cfg.Method = *method
	}
	if userSet["map"] {
		cfg.MapIterations = *mapIter
	}
	if userSet["strains"] {
		cfg.Model.NStrains = nStrains
	}
	if userSet["reg"] {
		cfg.Model.Reg = reg
	}
	if userSet["tax-uncertainty"] {
		cfg.Model.TaxUncertainty = taxUncertainty
	}
	if *nThreads != 0 {
		cfg.Model.Workers = *nThreads
	}
	a := &cfg.ADVI
	if *family != "" {
		a.Family = *family
	}
	if userSet["eta"] {
		a.Eta = *eta
	}
	if userSet["iter"] {
		a.MaxIterations = *iterations
	}
	if userSet["grad-samples"] {
		a.GradSamples = *gradSamples
	}
	if userSet["elbo-samples"] {
		a.ElboSamples = *elboSamples
	}
	if userSet["eval-period"] {
		a.EvalPeriod = *evalPeriod
	}
	if userSet["tol"] {
		a.TolRelObj = *tolRelObj
	}
}

// runContext returns the context of a fit. It is cancelled by an
// interrupt or a termination signal, and after the timeout if it is
// positive.
func runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// setupLogging sets the formatter, the backend and the level. It
// returns the log file, if any.
func setupLogging() *os.File {
	var f *os.File
	var backend *logging.LogBackend
	if *outLogF != "" {
		var err error
		f, err = os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		backend = logging.NewLogBackend(f, "", 0)
		logging.SetFormatter(formatter)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			logging.SetFormatter(colorFormatter)
		} else {
			logging.SetFormatter(formatter)
		}
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}
	return f
}

// writeJSON writes v to a file in json format.
func writeJSON(fn string, v interface{}) {
	j, err := json.Marshal(v)
	if err != nil {
		log.Error(err)
		return
	}
	log.Debug(string(j))
	f, err := os.Create(fn)
	if err != nil {
		log.Error("Error creating json output file:", err)
		return
	}
	f.Write(j)
	f.Close()
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if f := setupLogging(); f != nil {
		defer f.Close()
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	if *nThreads > 0 {
		runtime.GOMAXPROCS(*nThreads)
	}
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	call := CallSummary{
		RunID:       uuid.NewString(),
		Version:     version,
		CommandLine: os.Args,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
	}
	startTime := time.Now()

	var summary interface{}
	switch cmd {
	case fitCmd.FullCommand():
		cfg := defaultConfig()
		if *configF != "" {
			var err error
			cfg, err = readConfig(*configF)
			if err != nil {
				log.Fatal("Error reading configuration:", err)
			}
		}
		applyFlags(&cfg)
		if err := cfg.Validate(); err != nil {
			log.Fatal("Invalid settings:", err)
		}

		ctx, cancel := runContext(context.Background(), *timeout)
		defer cancel()

		fs := newFitSettings(cfg, call.RunID)
		s, err := fs.run(ctx)
		if err != nil {
			log.Fatal(err)
		}
		s.CallSummary = call
		summary = s
	case simCmd.FullCommand():
		s, err := newSimulateSettings().run()
		if err != nil {
			log.Fatal(err)
		}
		s.CallSummary = call
		summary = s
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)

	// output summary in json format
	if *jsonF != "" {
		switch s := summary.(type) {
		case *FitSummary:
			s.TotalTime = deltaT.Seconds()
		case *SimulateSummary:
			s.TotalTime = deltaT.Seconds()
		}
		writeJSON(*jsonF, summary)
	}
}
