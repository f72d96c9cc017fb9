package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"termmux/config"
	"termmux/launcher"
	"termmux/log"
	"termmux/session"
	"termmux/session/proc"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"

	programFlag string
	workdirFlag string

	rootCmd = &cobra.Command{
		Use:   "termmux",
		Short: "termmux - multiplex and persist pty-backed terminal sessions per workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a session in the current workspace and stream its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()
			return runSession()
		},
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Report the shell, bundle directory and detected terminal emulators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ownersDir, err := config.GetOwnersDir()
			if err != nil {
				return err
			}

			fmt.Printf("default shell:    %s\n", cfg.DefaultShell)
			fmt.Printf("bundle directory: %s\n", ownersDir)
			fmt.Printf("idle fallback:    %dms\n", cfg.IdleFallbackMs)
			fmt.Printf("snapshot cap:     %d bytes\n", cfg.SnapshotByteCap)

			terminals := launcher.Detect(cfg.TerminalPrograms)
			if len(terminals) == 0 {
				fmt.Println("terminal emulators: none detected")
			} else {
				fmt.Printf("terminal emulators: %v\n", terminals)
			}
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete all persisted session bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			mgr, err := newManager(config.LoadConfig())
			if err != nil {
				return err
			}
			if err := mgr.Store().DeleteAll(); err != nil {
				return err
			}
			fmt.Println("deleted all persisted session bundles")
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("termmux version %s\n", version)
		},
	}
)

// cwdResolver resolves every owner to a fixed local directory. The desktop
// application supplies a real resolver; the CLI just needs somewhere to run.
type cwdResolver struct {
	dir string
}

func (r cwdResolver) Resolve(ownerID string) (session.WorkContext, error) {
	return session.WorkContext{Dir: r.dir, Kind: session.RuntimeLocal}, nil
}

func newManager(cfg *config.Config) (*session.Manager, error) {
	dir := workdirFlag
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	return session.NewManager(cfg, proc.New(), cwdResolver{dir: dir}, nil)
}

func runSession() error {
	cfg := config.LoadConfig()
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}

	opts := session.CreateOptions{OwnerID: "local"}
	if programFlag != "" {
		opts.Profile = &session.LaunchProfile{ID: "cli", Command: programFlag}
	}

	s, err := mgr.Create(opts)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	mgr.OnOutput(s.ID, func(data []byte) {
		_, _ = os.Stdout.Write(data)
	})
	mgr.OnExit(s.ID, func() {
		close(done)
	})

	// Save live sessions on SIGINT/SIGTERM so they restore on the next run.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := mgr.SendInput(s.ID, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-sigCh:
		if err := mgr.SaveAllSessions(); err != nil {
			log.ErrorLog.Printf("failed to save sessions: %v", err)
		}
		return mgr.CloseAllSessions()
	}
}

func main() {
	rootCmd.AddCommand(runCmd, doctorCmd, resetCmd, versionCmd)
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "", "Program to run instead of the default shell")
	runCmd.Flags().StringVarP(&workdirFlag, "workdir", "w", "", "Working directory for the session")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
