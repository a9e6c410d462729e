/*
Package agent drives the local cluster software.

ClusterAgent is the set of imperative operations the membership coordinator
needs: install, join, leave, add and remove nodes, node status and addons.
MicroK8s implements it on top of the snap and microk8s command line tools
through a Runner, and Retrying wraps any agent so each call goes through a
bounded retry executor and is counted in herd_agent_calls_total.

Join URLs have the form "<ingress>:25000/<token>", where the token is 16
random bytes hex encoded and appended to the persistent cluster tokens file
of the issuing node.
*/
package agent
