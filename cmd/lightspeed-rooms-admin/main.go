package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-rooms/auth"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

// A very simple CLI tool for the administration of lightspeed-rooms users, rooms and messages. It works directly on
// the persisted data, so it must not run against a buntdb file that is in use by the server.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal", "error", err)
		return
	}
	fmt.Println(string(b))
}

// deleteMessage removes a message. The last message pointer of its room only moves if it pointed to the deleted
// message.
func deleteMessage(persister persistence.Persister, messageId string) error {
	msg := types.Message{Id: messageId}
	err := persister.GetMessage(&msg)
	if err != nil {
		return err
	}
	r := types.Room{Id: msg.RoomId}
	err = persister.GetRoom(&r)
	if err != nil {
		return err
	}
	err = persister.DeleteMessage(msg.Id)
	if err != nil {
		return err
	}
	if r.LastMessageId == nil || *r.LastMessageId != msg.Id {
		return nil
	}
	latest, err := persister.GetLatestMessage(msg.RoomId)
	if err != nil {
		return err
	}
	var latestId *string
	if latest != nil {
		latestId = &latest.Id
	}
	return persister.SetLastMessage(msg.RoomId, latestId, time.Now().UTC())
}

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, users or messages",
		Long:  `show is for printing user, room or message information.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Show: " + strings.Join(args, " "))
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			err := persister.GetRoom(&room)
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowMessages = &cobra.Command{
		Use:   "messages [room id]",
		Short: "Show messages",
		Long:  `show messages lists the stored messages of the room with the given id, oldest first.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			msgs, err := persister.GetMessages(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get messages", "error", err)
				return
			}
			printJSON(msgs)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `shows a listing of all users.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			err := persister.GetUser(&user)
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete user or message",
		Long:  `delete removes the user or message with a given id.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Delete: " + strings.Join(args, " "))
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete user",
		Long:  `delete user removes the user with the given id. Rooms and messages of the user are kept.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			err := persister.DeleteUser(&user)
			if err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
				return
			}
		},
	}
	var cmdDeleteMessage = &cobra.Command{
		Use:   "message [message id]",
		Short: "Delete message",
		Long:  `delete message removes the message with the given id and moves the last message pointer of its room.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := deleteMessage(persister, args[0])
			if err != nil {
				globals.AppLogger.Error("could not delete message", "error", err)
			}
		},
	}
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "update user",
		Long:  `set creates or updates a user.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Set: " + strings.Join(args, " "))
		},
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long:  `set user creates or updates a user with the given definition. If the user definition is "-", it is read from STDIN. The password hash is kept.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var r io.Reader
			if args[0] == "-" {
				r = os.Stdin
			} else {
				r = bytes.NewReader([]byte(args[0]))
			}
			dec := json.NewDecoder(r)
			user := types.User{}
			err := dec.Decode(&user)
			if err != nil {
				globals.AppLogger.Error("could not decode user", "error", err)
				return
			}
			if user.Id == "" {
				globals.AppLogger.Error("no user id")
				return
			}
			now := time.Now().UTC()
			oldUser := types.User{Id: user.Id}
			err = persister.GetUser(&oldUser)
			if err != nil {
				globals.AppLogger.Info("user does not exist, creating")
				user.CreatedAt = now
			} else {
				user.PasswordHash = oldUser.PasswordHash
				user.BlockedUsers = oldUser.BlockedUsers
				user.BlockedBy = oldUser.BlockedBy
				user.CreatedAt = oldUser.CreatedAt
			}
			user.UpdatedAt = now
			err = persister.StoreUser(user)
			if err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
		},
	}
	var cmdSetPassword = &cobra.Command{
		Use:   "password [user id] [password]",
		Short: "Set password",
		Long:  `set password replaces the password of the user with the given id.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			err := persister.GetUser(&user)
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			hash, err := auth.NewPasswordHasher(globalConfig.AuthConfig.BcryptCost).Hash(args[1])
			if err != nil {
				globals.AppLogger.Error("could not hash password", "error", err)
				return
			}
			user.PasswordHash = hash
			user.UpdatedAt = time.Now().UTC()
			err = persister.StoreUser(user)
			if err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
		},
	}
	var rootCmd = &cobra.Command{Use: "lightspeed-rooms-admin"}
	rootCmd.AddCommand(cmdShow)
	rootCmd.AddCommand(cmdDelete)
	rootCmd.AddCommand(cmdSet)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowMessages, cmdShowUsers, cmdShowUser)
	cmdDelete.AddCommand(cmdDeleteUser, cmdDeleteMessage)
	cmdSet.AddCommand(cmdSetUser, cmdSetPassword)
	rootCmd.Execute()
}
