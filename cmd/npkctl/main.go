package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/npk-runtime/npkd/internal/console"
	"github.com/npk-runtime/npkd/internal/manifest"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "npkctl",
	Short: "npkctl is a command-line client for the npkd console protocol",
}

func init() {
	rootCmd.PersistentFlags().String("console", "unix:///run/npkd/console.sock", "Console listener URL (tcp://host:port or unix:///path)")

	rootCmd.AddCommand(containersCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(repositoriesCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(identCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(tokenCmd)
}

func consoleURL(cmd *cobra.Command) string {
	u, _ := cmd.Flags().GetString("console")
	return u
}

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List every installed container and its current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqContainers})
		if err != nil {
			return err
		}
		for _, st := range resp.Statuses {
			fmt.Printf("%-40s %-10s pid=%d\n", st.Identity.String(), st.State.String(), st.Pid)
		}
		return nil
	},
}

// versionsCmd is a convenience view over the same Containers response,
// grouped by package name instead of by full identity, so an operator
// can see every installed version of one package at a glance.
var versionsCmd = &cobra.Command{
	Use:   "versions <name>",
	Short: "List every installed version of one package by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqContainers})
		if err != nil {
			return err
		}
		name := args[0]
		found := false
		for _, st := range resp.Statuses {
			if st.Identity.Name != name {
				continue
			}
			found = true
			fmt.Printf("%-20s %-10s pid=%d\n", st.Identity.Version.String(), st.State.String(), st.Pid)
		}
		if !found {
			fmt.Printf("no installed versions of %q\n", name)
		}
		return nil
	},
}

var repositoriesCmd = &cobra.Command{
	Use:   "repositories",
	Short: "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqRepositories})
		if err != nil {
			return err
		}
		for _, r := range resp.Repositories {
			fmt.Printf("%-20s %-40s containers=%d skipped=%d\n", r.ID, r.Dir, r.Count, r.Skipped)
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <repository-id> <npk-file>",
	Short: "Upload and install a package into a repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoID, path := args[0], args[1]
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		conn, fr, fw, err := dialConsole(consoleURL(cmd), false)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := fw.WriteFrame(console.Frame{Kind: console.ReqInstall, RepositoryID: repoID, Size: info.Size()}); err != nil {
			return fmt.Errorf("send install request: %w", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(conn, f); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}

		var resp console.ResponseFrame
		if err := fr.ReadFrame(&resp); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if !resp.OK {
			return fmt.Errorf("npkd: %s", resp.Error)
		}
		fmt.Printf("installed %s\n", resp.Status.Identity.String())
		return nil
	},
}

var uninstallCmd = identityCmd("uninstall", "Remove an installed package", console.ReqUninstall)
var mountCmd = identityCmd("mount", "Mount a container's filesystem", console.ReqMount)
var umountCmd = identityCmd("umount", "Unmount a container's filesystem", console.ReqUmount)

var startCmd = &cobra.Command{
	Use:   "start <name> <version> [args...]",
	Short: "Start a mounted container, optionally overriding its arguments",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := manifest.ParseVersion(args[1]); err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		resp, err := request(consoleURL(cmd), console.Frame{
			Kind: console.ReqStart, Name: args[0], Version: args[1], Args: args[2:],
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", resp.Status.Identity.String(), resp.Status.State.String())
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <name> <version> <signal>",
	Short: "Send a signal to a running container",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sig int
		if _, err := fmt.Sscanf(args[2], "%d", &sig); err != nil {
			return fmt.Errorf("invalid signal %q: %w", args[2], err)
		}
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqKill, Name: args[0], Version: args[1], Signal: sig})
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", resp.Status.Identity.String(), resp.Status.State.String())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-container pid and uptime statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqContainerStats})
		if err != nil {
			return err
		}
		for id, stat := range resp.ContainerStats {
			uptime := "-"
			if stat.StartedAt > 0 {
				uptime = time.Since(time.Unix(stat.StartedAt, 0)).Round(time.Second).String()
			}
			fmt.Printf("%-40s %-10s pid=%-8d uptime=%s\n", id, stat.State, stat.Pid, uptime)
		}
		return nil
	},
}

var identCmd = &cobra.Command{
	Use:   "ident",
	Short: "Report the calling container's own identity (container peers only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqIdent})
		if err != nil {
			return err
		}
		fmt.Println(resp.Ident.String())
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Request a graceful daemon shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := request(consoleURL(cmd), console.Frame{Kind: console.ReqShutdown})
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue peer tokens (no verify subcommand)",
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCreateCmd.Flags().Int64("validity-secs", 3600, "Token validity window in seconds")
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <user> <target>",
	Short: "Issue a peer token binding user to target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		validity, _ := cmd.Flags().GetInt64("validity-secs")
		resp, err := request(consoleURL(cmd), console.Frame{
			Kind: console.ReqTokenCreate, TokenUser: args[0], TokenTarget: args[1], TokenValiditySecs: validity,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", *resp.Token)
		return nil
	},
}

func identityCmd(use, short string, kind console.RequestKind) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name> <version>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := manifest.ParseVersion(args[1]); err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			resp, err := request(consoleURL(cmd), console.Frame{Kind: kind, Name: args[0], Version: args[1]})
			if err != nil {
				return err
			}
			if resp.Status == nil {
				fmt.Printf("%s: ok\n", args[0])
				return nil
			}
			fmt.Printf("%s -> %s\n", resp.Status.Identity.String(), resp.Status.State.String())
			return nil
		},
	}
}
