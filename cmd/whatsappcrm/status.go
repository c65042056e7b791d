package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Camifryou/whatsappcrm/internal/lockfile"
	"github.com/Camifryou/whatsappcrm/internal/registry"
)

const statusTimeout = 5 * time.Second

var statusAddr string

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	stateStyles = map[registry.State]lipgloss.Style{
		registry.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		registry.StateQRReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		registry.StateInitializing: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		registry.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		registry.StateAuthFailure:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		registry.StateError:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sessions of the running server",
	Long:  "Query the running server's /api/status and print its sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			owner, err := lockfile.Owner(cfg.LockPath())
			if err != nil {
				if errors.Is(err, lockfile.ErrNoOwner) {
					return fmt.Errorf("no server is running for %s", cfg.DataDir)
				}
				return err
			}
			addr = owner.Addr
		}

		st, err := fetchStatus(cmd.Context(), addr)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address, defaults to the one in the data directory lock")
}

// dialAddr turns a listen address such as ":3000" into one we can dial
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func fetchStatus(ctx context.Context, addr string) (*registry.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+dialAddr(addr)+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("server answered %s: %s", resp.Status, body)
	}

	var st registry.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func printStatus(out io.Writer, st *registry.Status) error {
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "%s %s, %s chats\n\n",
		headerStyle.Render("Server"), st.Server, countStyle.Render(fmt.Sprint(st.TotalChats)))

	if len(st.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
		headerStyle.Render("ID"), headerStyle.Render("NAME"), headerStyle.Render("STATUS"), headerStyle.Render("CHATS"))
	for _, s := range st.Sessions {
		style, ok := stateStyles[s.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			idStyle.Render(s.ID), s.Name, style.Render(string(s.Status)), countStyle.Render(fmt.Sprint(s.ChatsCount)))
	}
	return w.Flush()
}
