// Package shell is C6: the interactive control thread a rescue job runs
// alongside its FUSE mount (spec.md §4.6). It reads whitespace-tokenized
// commands from stdin, mutates session policy under the session lock, and
// pages long output (the mapfile dump, the license, the readme) through
// an external pager the way the original's fork/pipe design does.
package shell

import (
	_ "embed"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/dabrecht/fuserescue-go/internal/blockdev"
	"github.com/dabrecht/fuserescue-go/internal/logging"
	"github.com/dabrecht/fuserescue-go/internal/numeric"
	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
	"github.com/dabrecht/fuserescue-go/internal/session"
)

//go:embed LICENSE
var licenseText string

//go:embed README.md
var readmeText string

// pagerCandidates is the fallback command list tried in order after PAGER
// and MDPAGER (when set), or on its own when neither is set (spec.md §6).
var pagerCandidates = []string{"less", "more", "cat"}

// Shell runs the command REPL described by spec.md §4.6 over a session.
type Shell struct {
	sess   *session.Session
	in     *bufio.Scanner
	out    io.Writer
	errOut io.Writer
	log    *logging.Logger

	// requestExit is called by the "exit" command; in production it is
	// wired to stop the FUSE server and let the mount unwind (spec.md §5:
	// "exit sends a termination signal to the main thread").
	requestExit func()
}

// New builds a Shell reading commands from in and writing prompts/output
// to out. requestExit is invoked once, from the "exit" command's handler.
func New(sess *session.Session, in io.Reader, out, errOut io.Writer, requestExit func()) *Shell {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Shell{
		sess:        sess,
		in:          scanner,
		out:         out,
		errOut:      errOut,
		log:         logging.Default(),
		requestExit: requestExit,
	}
}

// command is one entry of the dispatch table (the original's
// struct commands / command_list).
type command struct {
	name string
	run  func(s *Shell, args []string)
	desc string
}

var commandTable []command

func init() {
	commandTable = []command{
		{"help", (*Shell).cmdHelp, "Displays a list of commands"},
		{"save", (*Shell).cmdSave, "Saves the mapfile, optionally to a new path"},
		{"exit", (*Shell).cmdExit, "Exits the program"},
		{"reopen", (*Shell).cmdReopen, "Reopens the infile, optionally from a new path"},
		{"blocksize", (*Shell).cmdBlocksize, "Gets or sets the recovery chunk size"},
		{"recovery", (*Shell).cmdRecovery, "allow|deny|show [nontried|nontrimmed|nonscraped|badsector]*"},
		{"loglevel", (*Shell).cmdLoglevel, "Gets or sets the recovery engine's log verbosity (default|info)"},
		{"show", (*Shell).cmdShow, "Pages map|license|readme"},
	}
}

// Run reads and dispatches commands until stdin is exhausted or "exit" is
// invoked. It never returns an error: parse and argument mistakes print a
// usage line or an error message and the loop continues (spec.md §7).
func (s *Shell) Run() {
	fmt.Fprintln(s.out, "fuserescue shell. Type help for a list of commands")
	s.prompt()
	for s.in.Scan() {
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			s.prompt()
			continue
		}
		args := strings.Fields(line)
		s.dispatch(args)
		if args[0] == "exit" {
			return
		}
		s.prompt()
	}
}

func (s *Shell) prompt() {
	fmt.Fprint(s.out, "> ")
}

func (s *Shell) dispatch(args []string) {
	for _, c := range commandTable {
		if c.name == args[0] {
			c.run(s, args)
			return
		}
	}
	fmt.Fprintln(s.out, "Command not found")
}

func (s *Shell) cmdHelp(args []string) {
	fmt.Fprintln(s.out, "Available commands are:")
	for _, c := range commandTable {
		fmt.Fprintf(s.out, "  %s \t- %s\n", c.name, c.desc)
	}
}

func (s *Shell) cmdSave(args []string) {
	if len(args) > 2 {
		fmt.Fprintf(s.out, "usage: %s [path]\n", args[0])
		return
	}
	if len(args) == 2 {
		s.sess.SetMapfilePath(args[1])
	}

	path := s.sess.MapfilePath()
	s.sess.Lock()
	err := rescuemap.Save(path, s.sess.Map)
	s.sess.Unlock()
	if err != nil {
		fmt.Fprintf(s.errOut, "save failed: %v\n", err)
		return
	}
	s.sess.ClearUnsaved()
}

func (s *Shell) cmdExit(args []string) {
	if s.requestExit != nil {
		s.requestExit()
	}
}

func (s *Shell) cmdReopen(args []string) {
	if len(args) > 2 {
		fmt.Fprintf(s.out, "usage: %s [infile]\n", args[0])
		return
	}
	path := s.sess.InfilePath()
	if len(args) == 2 {
		path = args[1]
	}
	if err := s.sess.Reopen(path); err != nil {
		fmt.Fprintf(s.errOut, "reopen failed: %v\n", err)
	}
}

func (s *Shell) cmdBlocksize(args []string) {
	if len(args) > 2 {
		fmt.Fprintf(s.out, "usage: %s [size]\n", args[0])
		return
	}
	if len(args) == 2 {
		n, err := numeric.ParseU64(args[1])
		if err != nil {
			fmt.Fprintf(s.errOut, "failed to parse size: %v\n", err)
		} else if n == 0 {
			fmt.Fprintln(s.errOut, "blocksize must be greater than 0")
		} else if n > uint64(blockdev.DirectIOBufferSize) {
			fmt.Fprintf(s.errOut, "blocksize too big, can't be bigger than %d\n", blockdev.DirectIOBufferSize)
		} else {
			s.sess.SetBlockSize(int(n))
		}
	}
	fmt.Fprintf(s.out, "blocksize = %d\n", s.sess.BlockSize())
}

// recoveryStateNames maps the shell's state tokens to rescuemap.State,
// matching the original's nontried/nontrimmed/nonscraped/badsector set.
var recoveryStateNames = map[string]rescuemap.State{
	"nontried":   rescuemap.NonTried,
	"nontrimmed": rescuemap.NonTrimmed,
	"nonscraped": rescuemap.NonScraped,
	"badsector":  rescuemap.BadSector,
}

func (s *Shell) cmdRecovery(args []string) {
	if len(args) < 2 || !(args[1] == "allow" || args[1] == "deny" || args[1] == "denay" || args[1] == "show") {
		fmt.Fprintf(s.out, "usage: %s allow|deny|show [nontried|nontrimmed|nonscraped|badsector]\n", args[0])
		fmt.Fprintf(s.out, "  %s allow: allows reading from device to backup\n", args[0])
		fmt.Fprintf(s.out, "  %s allow nonscraped: allows trying to read nonscraped sectors\n", args[0])
		fmt.Fprintln(s.out, "\n*** changes won't affect recovery attempts already in progress ***")
		s.recoveryShow()
		return
	}

	if args[1] != "show" {
		// "denay" is a longstanding misspelling of "deny"; accepted here
		// so old muscle memory and scripts still work.
		allow := args[1] == "allow"
		if len(args) == 2 {
			s.sess.SetAllowed(allow)
		} else {
			var mask rescuemap.StateMask
			for _, tok := range args[2:] {
				if st, ok := recoveryStateNames[tok]; ok {
					mask = mask.Set(st)
				}
			}
			current := s.sess.RecoverStates()
			if allow {
				s.sess.SetRecoverStates(current | mask)
			} else {
				for st := range recoveryStateNames {
					if mask.Has(recoveryStateNames[st]) {
						current = current.Clear(recoveryStateNames[st])
					}
				}
				s.sess.SetRecoverStates(current)
			}
		}
	}

	s.recoveryShow()
}

func (s *Shell) recoveryShow() {
	mask := s.sess.RecoverStates()
	if s.sess.Allowed() {
		fmt.Fprintln(s.out, "recovery mode: allow")
	} else {
		fmt.Fprintln(s.out, "recovery mode: deny")
	}
	fmt.Fprint(s.out, "sections to recover: ")
	for _, name := range []string{"nontried", "nontrimmed", "nonscraped", "badsector"} {
		if mask.Has(recoveryStateNames[name]) {
			fmt.Fprintf(s.out, "%s ", name)
		}
	}
	fmt.Fprintln(s.out)
}

func (s *Shell) cmdLoglevel(args []string) {
	bad := false
	if len(args) == 2 {
		switch args[1] {
		case "default":
			s.sess.SetLogLevel(session.LogDefault)
		case "info":
			s.sess.SetLogLevel(session.LogInfo)
		default:
			bad = true
		}
	}
	if bad || len(args) > 2 {
		fmt.Fprintf(s.out, "usage: %s default|info\n", args[0])
	}
	if s.sess.LogLevel() == session.LogInfo {
		fmt.Fprintln(s.out, "loglevel = info")
	} else {
		fmt.Fprintln(s.out, "loglevel = default")
	}
}

func (s *Shell) cmdShow(args []string) {
	if len(args) != 2 || (args[1] != "map" && args[1] != "license" && args[1] != "readme") {
		fmt.Fprintf(s.out, "usage: %s map|license|readme\n", args[0])
		return
	}

	var buf bytes.Buffer
	switch args[1] {
	case "map":
		s.sess.Lock()
		err := rescuemap.Dump(&buf, s.sess.Map)
		s.sess.Unlock()
		if err != nil {
			fmt.Fprintf(s.errOut, "failed to dump map: %v\n", err)
			return
		}
	case "license":
		buf.WriteString(licenseText)
	case "readme":
		buf.WriteString(readmeText)
	}

	if err := page(&buf, s.out); err != nil {
		fmt.Fprintf(s.errOut, "pager failed: %v\n", err)
	}
}

// page launches the user's preferred pager (PAGER, then MDPAGER, then the
// first of pagerCandidates found on PATH) as a subprocess, writes content
// into its stdin, and waits for it to exit. If no pager can be started at
// all, content is written directly to fallback (spec.md §4.6, §6).
func page(content *bytes.Buffer, fallback io.Writer) error {
	candidates := pagerList()
	for _, name := range candidates {
		if name == "" {
			continue
		}
		cmd := exec.Command("sh", "-c", name)
		cmd.Stdout = fallback
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			continue
		}
		if err := cmd.Start(); err != nil {
			stdin.Close()
			continue
		}
		_, writeErr := stdin.Write(content.Bytes())
		stdin.Close()
		waitErr := cmd.Wait()
		if writeErr == nil && waitErr == nil {
			return nil
		}
	}
	_, err := fallback.Write(content.Bytes())
	return err
}

func pagerList() []string {
	var list []string
	if p := os.Getenv("PAGER"); p != "" {
		list = append(list, p)
	}
	if p := os.Getenv("MDPAGER"); p != "" {
		list = append(list, p)
	}
	list = append(list, pagerCandidates...)
	return list
}
