// pigeon-tool is a utility program for operating on a live Pigeon backend:
// creating accounts, sending messages, and auditing conversation mirrors.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"pigeon/backend"
	"pigeon/backend/firedocs"
	"pigeon/backend/gcsblob"
	"pigeon/chat"
	"pigeon/dbtypes"
	"pigeon/identity"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	googleopt "google.golang.org/api/option"
)

var cmdRoot = &cobra.Command{
	Use: "pigeon-tool",
}

var (
	dataProject string
	mediaBucket string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", "", "GCP project for cloud resources.")
	cmdRoot.PersistentFlags().StringVar(&mediaBucket, "media-bucket", "", "GCS bucket that holds uploaded media.")
}

func newBackend(ctx context.Context) (backend.Docs, backend.Blobs, error) {
	fstore, err := firestore.NewClient(ctx, dataProject)
	if err != nil {
		return nil, nil, fmt.Errorf("while creating Firestore client: %w", err)
	}

	gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
	if err != nil {
		return nil, nil, fmt.Errorf("while creating GCS client: %w", err)
	}

	return firedocs.New(fstore), gcsblob.New(gcs, mediaBucket), nil
}

var cmdUsers = &cobra.Command{
	Use: "users [command]",
}

var cmdUsersList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		docs, blobs, err := newBackend(ctx)
		if err != nil {
			return err
		}

		users, err := identity.New(docs, blobs).Users(ctx, "")
		if err != nil {
			return fmt.Errorf("while listing users: %w", err)
		}

		for _, u := range users {
			fmt.Printf("%s\t%s\n", u.UID, u.Email)
		}
		return nil
	},
}

var (
	createEmail      string
	createAvatarFile string
)

var cmdUsersCreate = &cobra.Command{
	Use: "create",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fmt.Print("Password: ")
		pass, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("while reading password: %w", err)
		}
		fmt.Println()

		var avatar []byte
		if createAvatarFile != "" {
			avatar, err = os.ReadFile(createAvatarFile)
			if err != nil {
				return fmt.Errorf("while reading avatar file: %w", err)
			}
		}

		docs, blobs, err := newBackend(ctx)
		if err != nil {
			return err
		}

		user, err := identity.New(docs, blobs).CreateAccount(ctx, createEmail, string(pass), avatar)
		if err != nil {
			return fmt.Errorf("while creating account: %w", err)
		}

		fmt.Printf("created user %s\n", user.UID)
		return nil
	},
}

var (
	sendSenderUID    string
	sendRecipientUID string
	sendText         string
)

var cmdSend = &cobra.Command{
	Use: "send",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		docs, blobs, err := newBackend(ctx)
		if err != nil {
			return err
		}

		idp := identity.New(docs, blobs)
		sender, err := idp.User(ctx, sendSenderUID)
		if err != nil {
			return fmt.Errorf("while resolving sender: %w", err)
		}
		recipient, err := idp.User(ctx, sendRecipientUID)
		if err != nil {
			return fmt.Errorf("while resolving recipient: %w", err)
		}

		if err := chat.NewFanout(docs, blobs).SendText(ctx, sender, recipient, sendText); err != nil {
			return fmt.Errorf("while sending message: %w", err)
		}

		fmt.Println("sent")
		return nil
	},
}

var recentsUID string

var cmdRecents = &cobra.Command{
	Use: "recents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		docs, _, err := newBackend(ctx)
		if err != nil {
			return err
		}

		summaries, err := chat.LatestSummaries(ctx, docs, recentsUID)
		if err != nil {
			return fmt.Errorf("while listing summaries: %w", err)
		}

		for _, rm := range summaries {
			fmt.Printf("%s\t%s\t%q\n", rm.PartnerID(recentsUID), rm.Timestamp.Format("2006-01-02 15:04:05"), rm.Preview)
		}
		return nil
	},
}

var (
	checkA string
	checkB string
)

// check audits the two physical copies of one conversation.  The fan-out
// engine writes each message under both participants; a failure partway
// through leaves a one-sided message this command reports for repair.
var cmdCheck = &cobra.Command{
	Use: "check",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		docs, _, err := newBackend(ctx)
		if err != nil {
			return err
		}

		var aSide, bSide []*dbtypes.Message
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			var err error
			aSide, err = chat.History(egCtx, docs, checkA, checkB)
			return err
		})
		eg.Go(func() error {
			var err error
			bSide, err = chat.History(egCtx, docs, checkB, checkA)
			return err
		})
		if err := eg.Wait(); err != nil {
			return fmt.Errorf("while reading conversation logs: %w", err)
		}

		// The copies carry different store keys, so compare content.
		counts := map[string]int{}
		for _, m := range aSide {
			counts[contentKey(m)]++
		}
		for _, m := range bSide {
			counts[contentKey(m)]--
		}

		clean := true
		for key, n := range counts {
			if n > 0 {
				fmt.Printf("only in %s's log: %s\n", checkA, key)
				clean = false
			}
			if n < 0 {
				fmt.Printf("only in %s's log: %s\n", checkB, key)
				clean = false
			}
		}
		if clean {
			fmt.Printf("logs agree (%d messages)\n", len(aSide))
		}
		return nil
	},
}

func contentKey(m *dbtypes.Message) string {
	return fmt.Sprintf("%s->%s %s %q%q @%d", m.SenderID, m.RecipientID, m.Kind, m.Text, m.ImageURL, m.Timestamp.UnixNano())
}

var cmdHashPassword = &cobra.Command{
	Use: "hash-password",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Password: ")
		pass, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("while reading password: %w", err)
		}
		fmt.Println()

		hash, err := bcrypt.GenerateFromPassword(pass, 0)
		if err != nil {
			return fmt.Errorf("while hashing password: %w", err)
		}

		fmt.Println(string(hash))
		return nil
	},
}

func main() {
	cmdUsersCreate.Flags().StringVar(&createEmail, "email", "", "Email for the new account.")
	cmdUsersCreate.Flags().StringVar(&createAvatarFile, "avatar-file", "", "Path to an avatar image.")
	cmdUsers.AddCommand(cmdUsersList, cmdUsersCreate)

	cmdSend.Flags().StringVar(&sendSenderUID, "sender", "", "UID of the sending user.")
	cmdSend.Flags().StringVar(&sendRecipientUID, "recipient", "", "UID of the receiving user.")
	cmdSend.Flags().StringVar(&sendText, "text", "", "Message text.")

	cmdRecents.Flags().StringVar(&recentsUID, "uid", "", "UID of the user whose summaries to list.")

	cmdCheck.Flags().StringVar(&checkA, "a", "", "UID of one participant.")
	cmdCheck.Flags().StringVar(&checkB, "b", "", "UID of the other participant.")

	cmdRoot.AddCommand(cmdUsers, cmdSend, cmdRecents, cmdCheck, cmdHashPassword)

	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
