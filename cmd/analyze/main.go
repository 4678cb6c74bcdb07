package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/analysis"
	"github.com/apk-analysis/config-analysis/internal/archive"
	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/render"
)

func main() {
	modelPath := flag.String("model", "models/security_model.json", "path to the model artifact")
	outPath := flag.String("out", "report.pdf", "report output path")
	format := flag.String("format", "pdf", "report format: pdf or txt")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <project dir | archive.zip>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var renderer render.Renderer
	switch *format {
	case "pdf":
		renderer = render.NewPDF()
	case "txt":
		renderer = render.Text{}
	default:
		fmt.Fprintf(os.Stderr, "unknown format %q\n", *format)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analyzer := analysis.NewAnalyzer(classifier.NewLazyModel(*modelPath, logger), renderer, logger)
	result, err := run(ctx, analyzer, flag.Arg(0), *outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed [%s]: %v\n", domain.KindOf(err), err)
		os.Exit(1)
	}

	fmt.Printf("Status: %s\n", result.Verdict)
	fmt.Printf("Report: %s\n", *outPath)
}

// run 分析目录或 zip 包，zip 包先解压到临时目录
func run(ctx context.Context, analyzer *analysis.Analyzer, input, outPath string) (*analysis.Result, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return analyzer.Run(ctx, input, outPath)
	}
	if !archive.IsArchive(input) {
		return nil, fmt.Errorf("%s is neither a directory nor a %s archive", input, archive.Extension)
	}

	workDir, err := os.MkdirTemp("", "config-analysis-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	if _, err := archive.Extract(input, workDir); err != nil {
		return nil, err
	}
	return analyzer.Run(ctx, workDir, outPath)
}
