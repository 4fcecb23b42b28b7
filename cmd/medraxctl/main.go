// Command medraxctl is a terminal client for the radiology chat control plane.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/events"
)

type rootOptions struct {
	server  string
	owner   string
	timeout time.Duration
	asJSON  bool
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "medraxctl",
		Short:         "Chat with the radiology assistant from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", config.Load().ControlPlaneURL, "control plane base URL")
	root.PersistentFlags().StringVar(&opts.owner, "owner", os.Getenv("MEDRAX_OWNER"), "owner id sent with every request")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout for non-streaming calls")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON instead of tables")

	root.AddCommand(
		newUploadCmd(opts),
		newThreadsCmd(opts),
		newChatCmd(opts),
		newAnalyzeCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.owner, o.timeout)
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Upload a chest X-ray (PNG, JPEG or DICOM)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().Upload(cmd.Context(), args[0], caseID)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "origin:  %s\ndisplay: %s\n", result.OriginPath, result.DisplayPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id used to group uploads")
	return cmd
}

func newThreadsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List, show and delete conversation threads",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threads, err := opts.client().ListThreads(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), threads)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tMESSAGES\tUPDATED\tTITLE")
			for _, thread := range threads {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", thread.ThreadID, thread.MessageCount, thread.UpdatedAt, thread.Title)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum threads to return")

	get := &cobra.Command{
		Use:   "get [thread-id]",
		Short: "Show a thread transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, err := opts.client().GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), thread)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s)\n", thread.Title, thread.ThreadID)
			for _, msg := range thread.Messages {
				fmt.Fprintf(out, "\n[%s] %s\n", msg.Role, msg.Content)
				if msg.OriginPath != "" {
					fmt.Fprintf(out, "  image: %s\n", msg.OriginPath)
				} else if msg.DisplayPath != "" {
					fmt.Fprintf(out, "  image: %s\n", msg.DisplayPath)
				}
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete [thread-id]",
		Short: "Clear a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, del)
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID string
		image    string
		role     string
		caseID   string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if threadID == "" {
				created, err := client.CreateThread(ctx)
				if err != nil {
					return err
				}
				threadID = created
				fmt.Fprintf(cmd.ErrOrStderr(), "thread %s\n", threadID)
			}
			var failure string
			err := client.SendMessage(ctx, threadID, messageRequest{
				Text:       strings.Join(args, " "),
				OriginPath: image,
				CaseID:     caseID,
				Role:       role,
			}, func(event events.Event) error {
				if opts.asJSON {
					return printJSON(out, event)
				}
				switch event.Kind {
				case events.KindContentDelta:
					fmt.Fprint(out, event.Text)
				case events.KindDisplayImage:
					fmt.Fprintf(out, "\n[image] %s\n", event.DisplayPath)
				case events.KindError:
					failure = event.Error
				case events.KindStatus:
					if event.Warning != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "\nwarning: %s\n", event.Warning)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !opts.asJSON {
				fmt.Fprintln(out)
			}
			if failure != "" {
				return fmt.Errorf("turn failed: %s", failure)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread id; a new thread is created when empty")
	cmd.Flags().StringVarP(&image, "image", "i", "", "origin path returned by upload")
	cmd.Flags().StringVarP(&role, "role", "r", "", "persona role: doctor, patient or general")
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	return cmd
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var (
		caseID   string
		question string
	)
	cmd := &cobra.Command{
		Use:   "analyze [origin-path]",
		Short: "Start a background analysis of an uploaded image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().StartAnalysis(cmd.Context(), analysisRequest{
				OriginPath: args[0],
				CaseID:     caseID,
				Question:   question,
			})
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "analysis %s started in thread %s\n", result.WorkflowID, result.ThreadID)
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVarP(&question, "question", "q", "", "referring question to answer")
	return cmd
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
