package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	chatModels "aster/internal/domain/models/chat"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List locally cached sessions",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	current, hasCurrent := a.store.Current()
	ids := a.store.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 && !hasCurrent {
		fmt.Println("No cached sessions. Start one by running: aster")
		return nil
	}

	for _, id := range ids {
		sess, _ := a.store.Get(id)
		marker := " "
		if hasCurrent && id == current {
			marker = "*"
		}
		fmt.Printf("%s %d  %d messages%s\n", marker, id, len(sess.Messages), inFlightMarker(&sess))
	}
	if hasCurrent && len(ids) == 0 {
		fmt.Printf("* %d  (not cached locally)\n", current)
	}
	return nil
}

func inFlightMarker(sess *chatModels.Session) string {
	if sess.InFlightMessage() != nil {
		return "  [reply in progress]"
	}
	return ""
}
