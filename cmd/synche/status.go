package main

import (
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/matx64/synche/pkg/identity"
	"github.com/matx64/synche/pkg/store"
	"github.com/matx64/synche/pkg/utils"
	"github.com/spf13/cobra"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)
	rowStyle = lipgloss.NewStyle().Padding(0, 1)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this device's identity and per-directory entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			configDir := filepath.Dir(path)

			peerID, err := identity.Load(configDir)
			if err != nil {
				return err
			}

			cfg, _, err := loadOrInitConfig()
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("synche  peer %s", identity.Short(peerID))))

			if cfg.MaxFileSizeBytes > 0 {
				fmt.Println(rowStyle.Copy().Foreground(mutedColor).Render(
					fmt.Sprintf("max file size: %s", utils.FormatDataSize(cfg.MaxFileSizeBytes))))
			}

			if len(cfg.Directories) == 0 {
				fmt.Println(rowStyle.Copy().Foreground(mutedColor).Render("no directories configured"))
				return nil
			}

			st, err := store.Open(filepath.Join(configDir, "synche.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return headerStyle
					}
					return rowStyle.Copy().Foreground(fgColor)
				})
			t.Headers("DIRECTORY", "PATH", "ENTRIES", "TOMBSTONES")

			for _, d := range cfg.Directories {
				records, err := st.IterateDir(d.Name)
				if err != nil {
					t.Row(d.Name, d.RootAbsPath, "?", "?")
					continue
				}
				live, dead := 0, 0
				for _, r := range records {
					if r.Tombstone {
						dead++
					} else {
						live++
					}
				}
				t.Row(d.Name, d.RootAbsPath, fmt.Sprintf("%d", live), fmt.Sprintf("%d", dead))
			}

			fmt.Println(t.Render())
			return nil
		},
	}
}
