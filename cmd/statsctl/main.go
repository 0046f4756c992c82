// Command statsctl prints the room table of a running server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/devhowyalike/rapgpt-sub001/internal/stats"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	snap, err := stats.NewRemote(*server, nil).Stats(ctx)
	if err != nil {
		color.New(color.FgHiRed, color.Bold).Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}
	if err := render(snap, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
}

func render(s stats.Snapshot, now time.Time) error {
	color.New(color.FgHiBlue, color.Bold).Printf("%d connections in %d rooms", s.TotalConnections, s.TotalRooms)
	fmt.Printf("  (up %s)\n", now.Sub(s.ServerStartedAt).Truncate(time.Second))
	color.New(color.FgHiBlack).Printf("heartbeat %ds · inactivity %ds · admin grace %ds · max lifetime %s\n\n",
		s.Config.HeartbeatInterval, s.Config.RoomInactivityTimeout, s.Config.AdminGracePeriod, lifetime(s.Config.MaxRoomLifetime))

	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"Battle", "Viewers", "Admin", "Age", "Idle", "Admin gone"}); err != nil {
		return err
	}
	for _, r := range s.Rooms {
		admin := color.New(color.FgHiGreen).Sprint("yes")
		gone := "-"
		if !r.AdminConnected {
			admin = color.New(color.FgHiYellow).Sprint("no")
			if r.AdminDisconnectedAt != nil {
				gone = color.New(color.FgHiRed).Sprint(since(now, *r.AdminDisconnectedAt))
			}
		}
		row := []string{
			color.New(color.FgHiMagenta, color.Bold).Sprint(r.BattleID),
			strconv.Itoa(r.ViewerCount),
			admin,
			since(now, r.CreatedAt),
			since(now, r.LastActivityAt),
			gone,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func since(now, t time.Time) string {
	return now.Sub(t).Truncate(time.Second).String()
}

func lifetime(secs int) string {
	if secs == 0 {
		return "unlimited"
	}
	return strconv.Itoa(secs) + "s"
}
