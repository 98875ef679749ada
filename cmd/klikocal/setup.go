package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"klikocal/internal/config"
	"klikocal/internal/kliko"
	appLog "klikocal/internal/log"
)

// loginer is the part of the Kliko client setup needs.
type loginer interface {
	Login(ctx context.Context, creds kliko.Credentials) (kliko.LoginResult, error)
}

// accountSaver persists the verified account.
type accountSaver interface {
	Snapshot() config.Config
	SaveAccount(acc config.AccountConfig) error
}

// prompter reads the two setup answers.
type prompter interface {
	CardNumber() (string, error)
	Password() (string, error)
}

// setupMain implements `klikocal setup`: it asks for a card number and
// password, verifies them with a login and writes the account into the
// config file.
func setupMain(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/klikocal/config.yaml", "Path to config file")
	calendarID := fs.String("calendar", "", "Target calendar id (keeps the configured one if empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(*configPath, conf)
	p := &terminalPrompter{in: bufio.NewReader(os.Stdin), out: os.Stderr, fd: int(os.Stdin.Fd())}

	code, err := runSetup(ctx, kliko.NewClient(nil), store, p, *calendarID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %s\n", code)
		return 1
	}
	fmt.Fprintf(os.Stderr, "account saved to %s\n", store.Path())
	return 0
}

// runSetup logs in with the prompted credentials and saves the account.
// On failure it returns the setup error code (invalid_auth, cannot_connect
// or unknown) alongside the error.
func runSetup(ctx context.Context, remote loginer, store accountSaver, p prompter, calendarID string) (string, error) {
	card, err := p.CardNumber()
	if err != nil {
		return "unknown", err
	}
	password, err := p.Password()
	if err != nil {
		return "unknown", err
	}

	acc := store.Snapshot().Account
	acc.CardNumber = card
	acc.Password = password
	if calendarID != "" {
		acc.TargetCalendarID = calendarID
	}

	res, err := remote.Login(ctx, kliko.Credentials{
		CardNumber: acc.CardNumber,
		Password:   acc.Password,
		Host:       acc.Host,
		ClientName: acc.ClientName,
		App:        acc.App,
	})
	if err != nil {
		code := kliko.SetupErrorCode(err)
		appLog.Error("setup login failed", err, "code", code, "card", appLog.MaskCard(card))
		return code, err
	}

	acc.Title = kliko.Title(res.Config, card)
	if err := store.SaveAccount(acc); err != nil {
		appLog.Error("setup: saving account failed", err)
		return "unknown", err
	}

	appLog.Info("account configured",
		"id", kliko.AccountID(acc.Host, appLog.MaskCard(card)),
		"title", acc.Title,
		"target_calendar", acc.TargetCalendarID,
	)
	return "", nil
}

var errEmptyAnswer = errors.New("empty answer")

// terminalPrompter reads the card number as a line and the password
// without echo when stdin is a terminal.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func (p *terminalPrompter) CardNumber() (string, error) {
	fmt.Fprint(p.out, "Card number: ")
	return p.readLine()
}

func (p *terminalPrompter) Password() (string, error) {
	fmt.Fprint(p.out, "Password: ")
	if !term.IsTerminal(p.fd) {
		return p.readLine()
	}
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", errEmptyAnswer
	}
	return string(b), nil
}

func (p *terminalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errEmptyAnswer
	}
	return line, nil
}
