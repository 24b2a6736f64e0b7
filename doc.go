/*
Command imapwire is an IMAP client engine: it lexes and parses server responses,
and issues commands over a connection, correlating the responses with the
commands that caused them.

The command-line tool connects to a configured server to run single commands,
watch a mailbox, or inspect protocol data offline.

# Commands

	imapwire [-config imapwire.conf] [-loglevel level] ...
	imapwire run capability
	imapwire run examine mailbox
	imapwire run expunge mailbox
	imapwire run fetch mailbox seqset items
	imapwire run id
	imapwire run list [pattern]
	imapwire run namespace
	imapwire run noop
	imapwire run search mailbox criteria ...
	imapwire run select mailbox
	imapwire run sort mailbox program charset criteria ...
	imapwire run status mailbox [attr ...]
	imapwire watch [-interval duration] mailbox
	imapwire lex [file]
	imapwire parse [file]
	imapwire tags [-prefix index] [-number n] count
	imapwire config test
	imapwire config describe >imapwire.conf
	imapwire transcript list
	imapwire transcript print session-id
	imapwire version
	imapwire help [command ...]

# Examples

Print responses from a saved protocol trace as parsed:

	imapwire parse trace.txt

Watch the inbox with protocol traces logged:

	imapwire -loglevel trace watch Inbox
*/
package main
